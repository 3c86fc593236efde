// ABOUTME: Reference helper child speaking the host line protocol on stdin/stdout
// ABOUTME: Implements ping/connect/fetch/request/disconnect over in-memory sessions

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mauromedda/hostbridge/pkg/helper"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	flagSet := pflag.NewFlagSet("hostbridge-echo", pflag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	ignoreCancel := flagSet.Bool("ignore-cancel", false, "keep working on requests after the host cancels them")
	showVersion := flagSet.Bool("version", false, "show version and exit")
	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("hostbridge-echo %s\n", version)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := helper.New()
	newEcho(srv, *ignoreCancel).register()
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
