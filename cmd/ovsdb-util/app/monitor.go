package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/ovn-org/ovsdbclient/client"
	"github.com/ovn-org/ovsdbclient/config"
	"github.com/ovn-org/ovsdbclient/event"
	"github.com/ovn-org/ovsdbclient/metrics"
	"github.com/ovn-org/ovsdbclient/ovsdb"
)

// rowPrinter prints every row change the monitor delivers, regardless of
// table. Deliveries run concurrently on the handler pool, so writes are
// serialized.
type rowPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

// Matches implements event.RowEvent
func (p *rowPrinter) Matches(string, event.Kind, ovsdb.Row, ovsdb.Row) bool {
	return true
}

// Run implements event.RowEvent
func (p *rowPrinter) Run(table string, kind event.Kind, row, old ovsdb.Row) {
	if kind == event.RowDelete {
		row = old
	}
	payload, err := json.Marshal(row)
	if err != nil {
		klog.Errorf("Failed to render a %s in table %s: %v", kind, table, err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s %s %s\n", time.Now().Format(time.RFC3339), kind, table, payload)
}

// MonitorCommand streams row changes to stdout until interrupted. The
// current contents of the monitored tables arrive first, as create events
var MonitorCommand = cli.Command{
	Name:  "monitor",
	Usage: "print the monitored tables and their changes until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database",
			Aliases: []string{"d"},
			Usage:   "database to monitor",
			Value:   "Open_vSwitch",
		},
		&cli.StringSliceFlag{
			Name:  "table",
			Usage: "table to monitor, may be repeated. Every table when not given",
		},
		&cli.StringFlag{
			Name:  "metrics-bind-address",
			Usage: "serve prometheus metrics on this address while monitoring, e.g. 127.0.0.1:9310",
		},
		&cli.BoolFlag{
			Name:  "enable-pprof",
			Usage: "expose pprof endpoints on the metrics server",
		},
	},
	Action: func(ctx *cli.Context) error {
		c, err := newClient(ctx.Context, ctx.String("database"), true)
		if err != nil {
			return err
		}
		defer c.Close()

		printer := &rowPrinter{out: os.Stdout}
		c.WatchEvent(printer)
		defer c.UnwatchEvent(printer)

		reqCtx, cancel := context.WithTimeout(ctx.Context, requestTimeout())
		defer cancel()
		if tables := ctx.StringSlice("table"); len(tables) > 0 {
			monitors := make([]client.TableMonitor, 0, len(tables))
			for _, table := range tables {
				monitors = append(monitors, client.TableMonitor{Table: table})
			}
			_, err = c.Monitor(reqCtx, client.NewMonitor(monitors...))
		} else {
			_, err = c.MonitorAll(reqCtx)
		}
		if err != nil {
			return errors.Wrap(err, "failed to set up the monitor")
		}

		g, gctx := errgroup.WithContext(ctx.Context)
		if addr := ctx.String("metrics-bind-address"); addr != "" {
			metrics.RegisterClientMetrics()
			stopCh := make(chan struct{})
			var wg sync.WaitGroup
			metrics.StartMetricsServer(addr, ctx.Bool("enable-pprof"),
				config.SSL.Certificate, config.SSL.PrivateKey, stopCh, &wg)
			g.Go(func() error {
				<-gctx.Done()
				close(stopCh)
				wg.Wait()
				return nil
			})
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-c.DisconnectNotify():
				return errors.New("connection to the server lost")
			}
		})
		return g.Wait()
	},
}
