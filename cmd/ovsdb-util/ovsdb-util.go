package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/ovn-org/ovsdbclient/cmd/ovsdb-util/app"
	"github.com/ovn-org/ovsdbclient/config"
)

func main() {
	c := cli.NewApp()
	c.Name = "ovsdb-util"
	c.Usage = "utilities for poking at OVSDB servers"
	c.Version = config.Version
	c.Flags = config.GetFlags(nil)
	c.Commands = []*cli.Command{
		&app.MonitorCommand,
		&app.ListDbsCommand,
		&app.PingCommand,
	}

	c.Before = func(ctx *cli.Context) error {
		klog.SetOutput(os.Stderr)
		_, err := config.InitConfig(ctx)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// trap SIGHUP, SIGINT, SIGTERM, SIGQUIT and cancel the context
	exitCh := make(chan os.Signal, 1)
	signal.Notify(exitCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer func() {
		signal.Stop(exitCh)
		cancel()
	}()
	go func() {
		select {
		case s := <-exitCh:
			klog.Infof("Received signal %s. Shutting down", s)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.RunContext(ctx, os.Args); err != nil {
		klog.Exit(err)
	}
}
