// Package main provides wsp, the command-line interface for whisper
// time-series files.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/calvinalkan/whisper/internal/cli"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := cli.Run(os.Stdout, os.Stderr, os.Args, sigCh)

	os.Exit(exitCode)
}
