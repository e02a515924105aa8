package repl

import (
	"fmt"
	"os"

	"github.com/peterh/liner"

	"github.com/leftmike/tellstore/storage"
)

const (
	tellstoreHistory = ".tellstore_history"
)

type interactReader struct {
	line *liner.State
}

func (ir *interactReader) ReadLine() (string, error) {
	s, err := ir.line.Prompt("tellstore: ")
	if err != nil {
		return "", err
	}
	ir.line.AppendHistory(s)
	return s, nil
}

// Interact runs the repl on an interactive console with history.
func Interact(st *storage.Storage) {
	line := liner.NewLiner()
	defer line.Close()

	if f, err := os.Open(tellstoreHistory); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	Repl(st, &interactReader{line: line}, os.Stdout)

	if f, err := os.Create(tellstoreHistory); err != nil {
		fmt.Fprintf(os.Stderr, "tellstore: error writing history file, %s: %s",
			tellstoreHistory, err)
	} else {
		line.WriteHistory(f)
		f.Close()
	}
}
