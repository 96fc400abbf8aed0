package app

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
)

// ListDbsCommand prints the databases the server hosts
var ListDbsCommand = cli.Command{
	Name:  "list-dbs",
	Usage: "list the databases hosted by the OVSDB server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database",
			Aliases: []string{"d"},
			Usage:   "database to connect to",
			Value:   "Open_vSwitch",
		},
	},
	Action: func(ctx *cli.Context) error {
		c, err := newClient(ctx.Context, ctx.String("database"), false)
		if err != nil {
			return err
		}
		defer c.Close()

		reqCtx, cancel := context.WithTimeout(ctx.Context, requestTimeout())
		defer cancel()
		dbs, err := c.ListDbs(reqCtx)
		if err != nil {
			return err
		}
		for _, db := range dbs {
			fmt.Println(db)
		}
		return nil
	},
}
