// Package service holds the start up steps shared by the tracer and api binaries: command line flags,
// configuration, logging, metrics and the message broker.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/config"
	"github.com/tarancss/fundflow/lib/logging"
	"github.com/tarancss/fundflow/lib/msg"
	"github.com/tarancss/fundflow/lib/msg/broker"
)

// Flag names.
const (
	ConfigFlag   = "config"
	MetricsFlag  = "metrics"
	LogLevelFlag = "log-level"
)

// BrokerRetry is the wait before the second and last attempt to reach the message broker.
var BrokerRetry = 10 * time.Second //nolint:gochecknoglobals // shortened by tests

// Flags returns the flags every service accepts.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    ConfigFlag,
			Aliases: []string{"c"},
			Usage:   "get configuration from a json or yaml `FILE`",
			EnvVars: []string{"FUNDFLOW_CONFIG"},
		},
		&cli.StringFlag{
			Name:    MetricsFlag,
			Aliases: []string{"m"},
			Usage:   "serve Prometheus metrics at `ADDR`/metrics, overriding the configuration",
		},
		&cli.StringFlag{
			Name:  LogLevelFlag,
			Usage: "log `LEVEL` (debug, info, warn, error), overriding the configuration",
		},
	}
}

// Load reads the configuration named by the flags and builds the logger.
func Load(cctx *cli.Context) (config.ServiceConfig, *zap.Logger, error) {
	conf, err := config.ExtractConfiguration(cctx.String(ConfigFlag))
	if err != nil {
		return conf, nil, err
	}

	if v := cctx.String(MetricsFlag); v != "" {
		conf.MetricsAddr = v
	}

	if v := cctx.String(LogLevelFlag); v != "" {
		conf.LogLevel = v
	}

	log, err := logging.New(conf.LogLevel)
	if err != nil {
		return conf, nil, err
	}

	return conf, log, nil
}

// ServeMetrics serves the Prometheus registry on addr until ctx is done. It does nothing for an empty addr.
func ServeMetrics(ctx context.Context, addr string, log *zap.Logger) {
	if addr == "" {
		return
	}

	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())

	s := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second} //nolint:gomnd // seconds

	go func() {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // seconds
		defer cancel()

		_ = s.Shutdown(sctx)
	}()

	go func() {
		log.Info("serving metrics", zap.String("addr", addr))

		if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server failed", zap.Error(err))
		}
	}()
}

// OpenBroker connects to the message broker in conf. A broker that cannot be reached is tried once more after
// BrokerRetry. It returns nil when conf names no broker.
func OpenBroker(ctx context.Context, conf config.ServiceConfig, log *zap.Logger) (msg.MsgBroker, error) {
	if conf.MbType == "" {
		log.Warn("no message broker configured")

		return nil, nil //nolint:nilnil // services run without a broker
	}

	mb, err := broker.New(conf.MbType, conf.MbConn, log)
	if err == nil || errors.Is(err, broker.ErrUnknownType) {
		return mb, err
	}

	log.Warn("message broker not ready, retrying", zap.Duration("in", BrokerRetry), zap.Error(err))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(BrokerRetry):
	}

	return broker.New(conf.MbType, conf.MbConn, log)
}
