// Package main: tracer service.
//
// The tracer walks the runnable jobs through the ledger window by window, every cycle and whenever the api service
// asks for a job. Results are written to the database shared with the api service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/config"
	"github.com/tarancss/fundflow/lib/labels"
	"github.com/tarancss/fundflow/lib/labels/source"
	"github.com/tarancss/fundflow/lib/ledger"
	ledgerpg "github.com/tarancss/fundflow/lib/ledger/postgres"
	"github.com/tarancss/fundflow/lib/msg"
	"github.com/tarancss/fundflow/lib/service"
	"github.com/tarancss/fundflow/lib/store"
	"github.com/tarancss/fundflow/lib/store/db"
	"github.com/tarancss/fundflow/tracer"
)

func main() {
	app := &cli.App{
		Name:   "tracer",
		Usage:  "fund-flow tracer service",
		Flags:  service.Flags(),
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:      "process",
				Usage:     "process the given jobs up to the ledger head and exit",
				ArgsUsage: "JOB_ID...",
				Action:    process,
			},
			{
				Name:   "emissions",
				Usage:  "create the emission jobs of the configured epochs and exit",
				Action: emissions,
			},
		},
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deps are the resources used by the tracer.
type deps struct {
	conf config.ServiceConfig
	log  *zap.Logger
	db   store.Store
	led  *ledgerpg.Ledger
	src  labels.Source
	dir  *labels.Directory
	mb   msg.MsgBroker
}

func setup(cctx *cli.Context) (d *deps, err error) {
	d = new(deps)

	if d.conf, d.log, err = service.Load(cctx); err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			d.close()
			d = nil
		}
	}()

	d.log.Info("connecting to database", zap.String("type", d.conf.DbType))

	if d.db, err = db.New(d.conf.DbType, d.conf.DbConn); err != nil {
		return
	}

	if d.led, err = ledgerpg.New(d.conf.LedgerConn); err != nil {
		return
	}

	if d.src, err = source.New(d.conf.LabelType, d.conf.LabelConn); err != nil {
		return
	}

	d.dir = labels.NewDirectory(d.src, d.conf.Mixer, d.log)
	if err = d.dir.Refresh(cctx.Context); err != nil {
		return
	}

	d.mb, err = service.OpenBroker(cctx.Context, d.conf, d.log)

	return
}

func (d *deps) tracer() *tracer.Tracer {
	l := ledger.Limit(d.led, d.conf.LedgerRate, d.conf.LedgerBurst)

	return tracer.New(d.db, l, d.dir, d.mb, tracer.OptionsFrom(d.conf), d.log)
}

func (d *deps) close() {
	var merr *multierror.Error

	if d.mb != nil {
		merr = multierror.Append(merr, d.mb.Close())
	}

	if d.led != nil {
		merr = multierror.Append(merr, d.led.Close())
	}

	merr = multierror.Append(merr, source.Close(d.src), db.Close(d.db))

	if err := merr.ErrorOrNil(); err != nil {
		d.log.Warn("error closing resources", zap.Error(err))
	}

	_ = d.log.Sync()
}

// serve runs the tracer until it is signaled to stop.
func serve(cctx *cli.Context) error {
	d, err := setup(cctx)
	if err != nil {
		return err
	}
	defer d.close()

	ctx := cctx.Context

	service.ServeMetrics(ctx, d.conf.MetricsAddr, d.log)

	go d.dir.Run(ctx, d.conf.LabelRefresh.D())

	t := d.tracer()

	if err = t.ManageJobRequests(ctx); err != nil {
		d.log.Warn("cannot listen to job requests", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		d.log.Info("program killed, waiting for running jobs", zap.Strings("jobs", t.Running()))
		t.Stop()
	}()

	return t.Run(ctx)
}

// process runs the jobs named in the arguments.
func process(cctx *cli.Context) error {
	if cctx.NArg() == 0 {
		return cli.Exit("process: no job given", 2) //nolint:gomnd // usage error
	}

	d, err := setup(cctx)
	if err != nil {
		return err
	}
	defer d.close()

	t := d.tracer()

	var merr error

	for _, id := range cctx.Args().Slice() {
		if err := t.ProcessJob(cctx.Context, id); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("job %s: %w", id, err))
		}
	}

	return merr
}

// emissions seeds the emission jobs.
func emissions(cctx *cli.Context) error {
	d, err := setup(cctx)
	if err != nil {
		return err
	}
	defer d.close()

	return d.tracer().EnsureEmissionJobs(cctx.Context)
}
