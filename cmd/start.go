package cmd

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/tellstore/deltamain"
	"github.com/leftmike/tellstore/flags"
	"github.com/leftmike/tellstore/repl"
	"github.com/leftmike/tellstore/storage"
)

var (
	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the TellStore engine with an interactive console",
		RunE:  startRun,
	}

	pageCount      = 1024
	gcInterval     = time.Second
	scanProcessors = 4
)

func init() {
	cfg.IntVar(&pageCount, "page-count")
	cfg.DurationVar(&gcInterval, "gc-interval")
	cfg.IntVar(&scanProcessors, "scan-processors")

	fs := startCmd.Flags()
	fs.IntVar(&pageCount, "page-count", pageCount, "`pages` in the page pool")
	fs.DurationVar(&gcInterval, "gc-interval", gcInterval,
		"`period` of the garbage collector; 0 disables it")
	fs.IntVar(&scanProcessors, "scan-processors", scanProcessors,
		"scan `parallelism`")

	tellstoreCmd.AddCommand(startCmd)
}

func startRun(cmd *cobra.Command, args []string) error {
	layout := deltamain.RowLayout
	if flgs.GetFlag(flags.ColumnLayout) {
		layout = deltamain.ColumnLayout
	}

	st := storage.NewStorage(storage.Config{
		PageCount:      pageCount,
		GCInterval:     gcInterval,
		ScanProcessors: scanProcessors,
		Layout:         layout,
	})
	defer st.Close()

	log.WithFields(log.Fields{
		"pageCount":  pageCount,
		"gcInterval": gcInterval,
		"layout":     layout,
	}).Info("engine started")

	repl.Interact(st)
	return nil
}
