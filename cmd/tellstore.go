package cmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leftmike/tellstore/config"
	"github.com/leftmike/tellstore/flags"
)

var (
	tellstoreCmd = &cobra.Command{
		Use:               "tellstore",
		Short:             "An in-memory transactional key-value store",
		Long:              "TellStore is an in-memory MVCC key-value store for mixed workloads.",
		PersistentPreRunE: tellstorePreRun,
		PersistentPostRun: tellstorePostRun,
	}

	logFile   = "tellstore.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "tellstore.hcl"
	noConfig   = false

	cfg  = config.NewConfig()
	flgs flags.Flags
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	flgs = flags.Config(cfg)

	fs := tellstoreCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")
}

func Execute() error {
	return tellstoreCmd.Execute()
}

func tellstorePreRun(cmd *cobra.Command, args []string) error {
	if configFile != "" && !noConfig {
		err := cfg.LoadFile(configFile)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("tellstore: %s", err)
		}

		// Flags given on the command line win over the config file; flags
		// that are not config parameters are simply not re-applied.
		cmd.Flags().Visit(
			func(flg *pflag.Flag) {
				cfg.Set(flg.Name, flg.Value.String())
			})
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("tellstore: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("tellstore: %s", err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("tellstore starting")
	return nil
}

func tellstorePostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("tellstore done")

	if logWriter != nil {
		logWriter.Close()
	}
}
