package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"relay/internal/config"
	"relay/internal/daemon"
	"relay/internal/daemonrun"
)

func main() {
	var (
		configPath = flag.String("config", "", "configuration file path")
		logLevel   = flag.String("log-level", "", "override the configured log level")
		foreground = flag.Bool("foreground", false, "mirror logs to stdout")
		noHistory  = flag.Bool("no-history", false, "disable the invocation ledger")
	)
	flag.Parse()

	cfg, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	err = daemonrun.Run(context.Background(), cfg, nil, daemonrun.Options{
		LogLevel:       *logLevel,
		Foreground:     *foreground,
		DisableHistory: *noHistory,
	})
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		fmt.Fprintln(os.Stderr, "relayd: another daemon already serves this configuration")
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("relayd: %v", err)
	}
}
