package repl_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andreyvit/diff"

	"github.com/leftmike/tellstore/repl"
	"github.com/leftmike/tellstore/storage"
	"github.com/leftmike/tellstore/testutil"
)

type scriptReader struct {
	lines []string
	idx   int
}

func (sr *scriptReader) ReadLine() (string, error) {
	if sr.idx >= len(sr.lines) {
		return "", io.EOF
	}
	line := sr.lines[sr.idx]
	sr.idx += 1
	return line, nil
}

func runScript(t *testing.T, lines ...string) string {
	t.Helper()

	testutil.SetupLogger()
	st := storage.NewStorage(storage.Config{GCInterval: 0})
	defer st.Close()

	var buf bytes.Buffer
	repl.Repl(st, &scriptReader{lines: lines}, &buf)
	return buf.String()
}

func TestReplCommands(t *testing.T) {
	out := runScript(t,
		"create t number:int text1:text largenumber:bigint text2:text",
		"insert t 1 number=3 text1=abc largenumber=7 text2=xyz",
		"insert t 2 number=5 text1=def largenumber=9 text2=uvw",
		"get t 1",
		"scan t number>=4",
		"gc",
		"remove t 1",
		"get t 1",
		"tables",
		"exit",
	)

	for _, want := range []string{
		"ok",
		"abc",
		"(1 rows)",
		"not found",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want,
				diff.LineDiff(want, out))
		}
	}
	if strings.Contains(out, "commands:") {
		t.Errorf("script hit a usage error:\n%s", out)
	}
}

func TestReplErrors(t *testing.T) {
	out := runScript(t,
		"bogus",
		"create t",
		"scan missing",
	)

	for _, want := range []string{
		"commands:",
		"unknown table missing",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want,
				diff.LineDiff(want, out))
		}
	}
}
