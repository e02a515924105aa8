package testutil

import (
	"flag"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

var (
	logLevel  = "warn"
	logStderr = false
)

func init() {
	flag.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	flag.BoolVar(&logStderr, "log-stderr", logStderr, "log to standard error")
	flag.BoolVar(&logStderr, "s", logStderr, "log to standard error")
}

// SetupLogger configures logrus for tests; engine logging is discarded
// unless -log-stderr is given.
func SetupLogger() *log.Logger {
	if !logStderr {
		log.SetOutput(io.Discard)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		panic(err)
	}
	log.SetLevel(ll)

	log.WithField("pid", os.Getpid()).Info("tests starting")
	return log.StandardLogger()
}
