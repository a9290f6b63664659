// Package main: api service.
//
// The api service accepts trace jobs and serves their results over a RESTful API. Jobs are stored in the database
// shared with the tracer service, which is asked through the message broker to process them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tarancss/fundflow/api"
	"github.com/tarancss/fundflow/lib/msg"
	"github.com/tarancss/fundflow/lib/node"
	"github.com/tarancss/fundflow/lib/service"
	"github.com/tarancss/fundflow/lib/store"
	"github.com/tarancss/fundflow/lib/store/db"
)

func main() {
	app := &cli.App{
		Name:   "api",
		Usage:  "fund-flow RESTful API service",
		Flags:  service.Flags(),
		Action: serve,
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cctx *cli.Context) error {
	conf, log, err := service.Load(cctx)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // nothing to do

	ctx := cctx.Context

	// connect to database
	log.Info("connecting to database", zap.String("type", conf.DbType))

	dbConn, err := db.New(conf.DbType, conf.DbConn)
	if err != nil {
		return err
	}

	// load the balance nodes
	nodes, err := node.Init(conf.Nodes, log)
	if err != nil {
		log.Warn("origin balances will not be resolved", zap.Error(err))
	}

	mb, err := service.OpenBroker(ctx, conf, log)
	if err != nil {
		node.End(nodes)

		return multierror.Append(err, db.Close(dbConn))
	}

	defer closeAll(log, dbConn, mb, nodes)

	service.ServeMetrics(ctx, conf.MetricsAddr, log)

	a := api.New(dbConn, mb, nodes, api.OptionsFrom(conf), log)

	// manage tracer events
	if err = a.ManageEvents(); err != nil {
		log.Warn("cannot listen to job events", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		log.Info("program killed")

		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second) //nolint:gomnd // seconds
		defer cancel()

		a.Stop(sctx)
	}()

	// init RESTful API and wait for its return
	return a.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey)
}

func closeAll(log *zap.Logger, dbConn store.Store, mb msg.MsgBroker, nodes []node.Node) {
	var merr *multierror.Error

	if mb != nil {
		merr = multierror.Append(merr, mb.Close())
	}

	node.End(nodes)

	if err := multierror.Append(merr, db.Close(dbConn)).ErrorOrNil(); err != nil {
		log.Warn("error closing resources", zap.Error(err))
	}
}
