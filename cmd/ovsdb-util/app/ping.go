package app

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// PingCommand measures echo round-trip times
var PingCommand = cli.Command{
	Name:  "ping",
	Usage: "measure echo round-trip times to the OVSDB server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database",
			Aliases: []string{"d"},
			Usage:   "database to connect to",
			Value:   "Open_vSwitch",
		},
		&cli.IntFlag{
			Name:    "count",
			Aliases: []string{"c"},
			Usage:   "number of echo requests to send, 0 to keep going until interrupted",
			Value:   5,
		},
		&cli.DurationFlag{
			Name:    "interval",
			Aliases: []string{"i"},
			Usage:   "delay between echo requests",
			Value:   time.Second,
		},
	},
	Action: func(ctx *cli.Context) error {
		c, err := newClient(ctx.Context, ctx.String("database"), false)
		if err != nil {
			return err
		}
		defer c.Close()

		count := ctx.Int("count")
		interval := ctx.Duration("interval")
		endpoint := c.CurrentEndpoint()
		for sent := 0; count == 0 || sent < count; sent++ {
			if sent > 0 {
				select {
				case <-ctx.Context.Done():
					return nil
				case <-time.After(interval):
				}
			}
			reqCtx, cancel := context.WithTimeout(ctx.Context, requestTimeout())
			start := time.Now()
			err := c.Echo(reqCtx)
			cancel()
			if err != nil {
				// interrupted, not a failure
				if ctx.Context.Err() != nil {
					return nil
				}
				return errors.Wrapf(err, "echo to %s failed", endpoint)
			}
			fmt.Printf("echo from %s: seq=%d time=%v\n", endpoint, sent, time.Since(start))
		}
		return nil
	},
}
