// Package repl is an interactive console over the storage API, used for
// poking at an engine without a client: create tables, read and write keys,
// run scans, and trigger garbage collection.
package repl

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/leftmike/tellstore/deltamain"
	"github.com/leftmike/tellstore/scanquery"
	"github.com/leftmike/tellstore/storage"
	"github.com/leftmike/tellstore/tell"
	"github.com/leftmike/tellstore/testutil"
)

type LineReader interface {
	ReadLine() (string, error)
}

// Repl executes commands from lr until EOF.
func Repl(st *storage.Storage, lr LineReader, w io.Writer) {
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return
		}

		err = run(st, args, w)
		if err == errUsage {
			usage(w)
		} else if err != nil {
			fmt.Fprintln(w, err)
		}
	}
}

var errUsage = fmt.Errorf("bad command")

func usage(w io.Writer) {
	fmt.Fprint(w, `commands:
    tables
    create <table> <name>:<type>[:null] ...
    seed <table> <count>
    insert <table> <key> <field>=<value> ...
    get <table> <key>
    update <table> <key> <field>=<value> ...
    remove <table> <key>
    scan <table> [<field><op><value> ...]
    gc
    exit
`)
}

func run(st *storage.Storage, args []string, w io.Writer) error {
	switch args[0] {
	case "help":
		usage(w)
		return nil
	case "tables":
		return listTables(st, w)
	case "gc":
		st.RunGC()
		fmt.Fprintln(w, "ok")
		return nil
	case "create":
		return createTable(st, args[1:], w)
	case "seed":
		return seedTable(st, args[1:], w)
	case "insert", "update":
		return writeKey(st, args[0], args[1:], w)
	case "get":
		return getKey(st, args[1:], w)
	case "remove":
		return removeKey(st, args[1:], w)
	case "scan":
		return scanTable(st, args[1:], w)
	}
	return errUsage
}

func listTables(st *storage.Storage, w io.Writer) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"table", "layout", "keys", "main pages"})
	for _, tbl := range st.ListTables() {
		stats := tbl.Stats()
		tw.Append([]string{
			tbl.Name(),
			stats.Layout.String(),
			strconv.Itoa(stats.Keys),
			strconv.Itoa(stats.MainPages),
		})
	}
	tw.Render()
	return nil
}

func fieldType(s string) (tell.FieldType, bool) {
	switch strings.ToLower(s) {
	case "int":
		return tell.IntType, true
	case "bigint":
		return tell.BigIntType, true
	case "float":
		return tell.FloatType, true
	case "double":
		return tell.DoubleType, true
	case "text":
		return tell.TextType, true
	case "blob":
		return tell.BlobType, true
	}
	return 0, false
}

func createTable(st *storage.Storage, args []string, w io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}

	var schema tell.Schema
	for _, arg := range args[1:] {
		parts := strings.Split(arg, ":")
		if len(parts) < 2 {
			return errUsage
		}
		ft, ok := fieldType(parts[1])
		if !ok {
			return fmt.Errorf("bad field type %s", parts[1])
		}
		notNull := true
		if len(parts) == 3 && parts[2] == "null" {
			notNull = false
		}
		err := schema.AddField(ft, parts[0], notNull)
		if err != nil {
			return err
		}
	}

	_, err := st.CreateTable(args[0], &schema, 0)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func seedTable(st *storage.Storage, args []string, w io.Writer) error {
	if len(args) != 2 {
		return errUsage
	}
	count, err := strconv.Atoi(args[1])
	if err != nil {
		return errUsage
	}

	tx := st.Begin()
	defer tx.Close()
	for key := tell.Key(0); key < tell.Key(count); key += 1 {
		err := tx.Insert(args[0], key, testutil.TestTuple(key), false)
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "%d keys\n", count)
	return nil
}

func parseValue(tbl *deltamain.Table, name, s string) (tell.Value, error) {
	id, ok := tbl.Record().IDOf(name)
	if !ok {
		return nil, fmt.Errorf("unknown field %s", name)
	}
	switch tbl.Record().Field(id).Type {
	case tell.IntType, tell.BigIntType:
		i, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, err
		}
		return tell.Int64Value(i), nil
	case tell.FloatType, tell.DoubleType:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return tell.Float64Value(f), nil
	case tell.BlobType:
		return tell.BytesValue(s), nil
	}
	return tell.StringValue(s), nil
}

func parseTuple(tbl *deltamain.Table, args []string) (tell.GenericTuple, error) {
	tuple := tell.GenericTuple{}
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, errUsage
		}
		val, err := parseValue(tbl, parts[0], parts[1])
		if err != nil {
			return nil, err
		}
		tuple[parts[0]] = val
	}
	return tuple, nil
}

func writeKey(st *storage.Storage, cmd string, args []string, w io.Writer) error {
	if len(args) < 3 {
		return errUsage
	}
	tbl, err := st.Table(args[0])
	if err != nil {
		return err
	}
	key, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return errUsage
	}
	tuple, err := parseTuple(tbl, args[2:])
	if err != nil {
		return err
	}

	tx := st.Begin()
	defer tx.Close()
	if cmd == "insert" {
		err = tx.Insert(args[0], tell.Key(key), tuple, true)
	} else {
		err = tx.Update(args[0], tell.Key(key), tuple)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func getKey(st *storage.Storage, args []string, w io.Writer) error {
	if len(args) != 2 {
		return errUsage
	}
	tbl, err := st.Table(args[0])
	if err != nil {
		return err
	}
	key, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return errUsage
	}

	tx := st.Begin()
	defer tx.Close()
	tuple, version, _, err := tx.Get(args[0], tell.Key(key))
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(w)
	hdr := []string{"key", "version"}
	row := []string{args[1], strconv.FormatUint(version, 10)}
	for _, fld := range tbl.Schema().Fields() {
		hdr = append(hdr, fld.Name)
		row = append(row, tell.Format(tuple[fld.Name]))
	}
	tw.SetHeader(hdr)
	tw.Append(row)
	tw.Render()
	return nil
}

func removeKey(st *storage.Storage, args []string, w io.Writer) error {
	if len(args) != 2 {
		return errUsage
	}
	key, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return errUsage
	}

	tx := st.Begin()
	defer tx.Close()
	if err := tx.Remove(args[0], tell.Key(key)); err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

var predicateOps = []struct {
	op  string
	typ scanquery.PredicateType
}{
	// Two-character operators must come first.
	{"==", scanquery.Equal},
	{"!=", scanquery.NotEqual},
	{"<=", scanquery.LessEqual},
	{">=", scanquery.GreaterEqual},
	{"<", scanquery.Less},
	{">", scanquery.Greater},
}

func parsePredicate(tbl *deltamain.Table, arg string) (scanquery.Conjunct, error) {
	for _, po := range predicateOps {
		idx := strings.Index(arg, po.op)
		if idx <= 0 {
			continue
		}
		name := arg[:idx]
		id, ok := tbl.Record().IDOf(name)
		if !ok {
			return scanquery.Conjunct{}, fmt.Errorf("unknown field %s", name)
		}
		val, err := parseValue(tbl, name, arg[idx+len(po.op):])
		if err != nil {
			return scanquery.Conjunct{}, err
		}
		return scanquery.Conjunct{
			Field:      id,
			Predicates: []scanquery.Predicate{{Type: po.typ, Value: val}},
		}, nil
	}
	return scanquery.Conjunct{}, errUsage
}

func scanTable(st *storage.Storage, args []string, w io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	tbl, err := st.Table(args[0])
	if err != nil {
		return err
	}

	var query scanquery.Query
	for _, arg := range args[1:] {
		cnj, err := parsePredicate(tbl, arg)
		if err != nil {
			return err
		}
		query.Conjuncts = append(query.Conjuncts, cnj)
	}
	// Project in schema order so the rows line up with the header.
	for _, fld := range tbl.Schema().Fields() {
		id, _ := tbl.Record().IDOf(fld.Name)
		query.Projection = append(query.Projection, id)
	}

	tx := st.Begin()
	defer tx.Close()
	rows, err := tx.Scan(context.Background(), args[0], &query)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(w)
	var hdr []string
	for _, fld := range tbl.Schema().Fields() {
		hdr = append(hdr, fld.Name)
	}
	tw.SetHeader(hdr)
	for _, row := range rows {
		out := make([]string, len(row))
		for i, val := range row {
			if s, ok := val.(tell.StringValue); ok {
				out[i] = string(s)
			} else {
				out[i] = tell.Format(val)
			}
		}
		tw.Append(out)
	}
	tw.Render()
	fmt.Fprintf(w, "(%d rows)\n", len(rows))
	return nil
}
