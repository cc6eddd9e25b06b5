package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	flags "github.com/jessevdk/go-flags"

	"relwatch/internal/app"
)

type options struct {
	Config string `short:"c" long:"config" env:"RELWATCH_CONFIG" default:"./relwatch.yaml" description:"path to config file (yaml or json)"`
	Once   bool   `long:"once" description:"check every entity immediately, wait for drain, exit"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(opts.Config, app.Deps{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if opts.Once {
		if err := a.RunOnce(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopErr := a.Stop(context.Background())
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if stopErr != nil {
		fmt.Fprintln(os.Stderr, "stop:", stopErr)
		os.Exit(1)
	}
}
