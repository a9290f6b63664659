// Package api implements the api microservice.
//
// This microservice implements a RESTful API for clients to submit trace jobs and read their results: hop records,
// tracking state, a graph for visualization and a conservation report. Job creation asks the tracer service, through
// the message broker, to process the new job at once.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/config"
	"github.com/tarancss/fundflow/lib/msg"
	"github.com/tarancss/fundflow/lib/node"
	"github.com/tarancss/fundflow/lib/store"
)

// DefaultCacheSize is the number of graphs kept in the cache.
const DefaultCacheSize = 128

// Options configure the API.
type Options struct {
	DefaultHops int   // hop budget of jobs submitted without one
	MaxHops     int   // largest hop budget accepted
	Tolerance   int64 // conservation tolerance
	CacheSize   int   // graphs cached
}

// OptionsFrom returns the api options held by conf.
func OptionsFrom(conf config.ServiceConfig) Options {
	return Options{DefaultHops: conf.DefaultHops, MaxHops: conf.MaxHops, Tolerance: conf.Tolerance}
}

// API contains the data necessary to deliver the service
type API struct {
	db    store.Store
	mb    msg.MsgBroker // optional
	nodes []node.Node   // balance lookup
	opts  Options
	log   *zap.Logger
	now   func() time.Time

	cl    sync.Mutex // guards cache and the servers
	cache *lru.Cache // graphs by graphKey

	s  *http.Server // http server
	ss *http.Server // https server
	sc chan struct{} // closed when the servers have been shut down
}

// New returns a pointer to a new API service. mb and nodes may be nil.
func New(db store.Store, mb msg.MsgBroker, nodes []node.Node, opts Options, log *zap.Logger) *API {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	return &API{
		db:    db,
		mb:    mb,
		nodes: nodes,
		opts:  opts,
		log:   log.With(zap.String("service", "api")),
		now:   time.Now,
		cache: lru.New(opts.CacheSize),
		sc:    make(chan struct{}),
	}
}

// Stop shuts down the http servers implementing the RESTful API.
func (a *API) Stop(ctx context.Context) {
	s, ss := a.servers()

	if s != nil {
		if err := s.Shutdown(ctx); err != nil {
			a.log.Warn("error in http server shutdown", zap.Error(err))
		}
	}

	if ss != nil {
		if err := ss.Shutdown(ctx); err != nil {
			a.log.Warn("error in https server shutdown", zap.Error(err))
		}
	}

	select {
	case <-a.sc:
	default:
		close(a.sc) // servers have been shut down
	}
}

// ManageEvents starts a go routine to consume the job events sent by the tracer service. Events are logged.
func (a *API) ManageEvents() error {
	if a.mb == nil {
		return nil
	}

	mut := new(sync.Mutex)
	mut.Lock()

	eveCh, errCh, err := a.mb.GetEvents(mut)
	if err != nil {
		return err
	}

	// launch event channel reader
	go func() {
		a.log.Info("start listening to tracer event channel")

		for eve := range eveCh {
			a.log.Info("job event", zap.String("job", eve.JobID), zap.String("status", string(eve.Status)),
				zap.Uint32("tick", eve.LastProcessedTick), zap.Int64("terminal", eve.Totals.Terminal),
				zap.Int64("pending", eve.Totals.Pending), zap.String("error", eve.Error))
			mut.Unlock()
		}

		a.log.Info("stop listening to tracer event channel")
	}()

	// launch error channel reader
	go func() {
		for e := range errCh {
			a.log.Warn("received error from broker", zap.Error(e))
		}
	}()

	return nil
}

func (a *API) servers() (*http.Server, *http.Server) {
	a.cl.Lock()
	defer a.cl.Unlock()

	return a.s, a.ss
}

type graphKey struct {
	id       string
	hops     int64
	maxDepth int
}

func (a *API) cached(k graphKey) (interface{}, bool) {
	a.cl.Lock()
	defer a.cl.Unlock()

	return a.cache.Get(k)
}

func (a *API) keep(k graphKey, v interface{}) {
	a.cl.Lock()
	a.cache.Add(k, v)
	a.cl.Unlock()
}

func (a *API) forget(id string) {
	a.cl.Lock()
	defer a.cl.Unlock()

	a.cache.Clear()
	a.log.Debug("graph cache cleared", zap.String("job", id))
}
