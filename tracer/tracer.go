// Package tracer implements the fund-flow tracer microservice. Every cycle it picks up to JobsPerCycle runnable jobs
// and advances each of them window by window until it catches up with the ledger head, committing the outcome of
// every window atomically. Jobs run concurrently in a bounded pool; the windows of one job run in order.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/fundflow/lib/config"
	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/labels"
	"github.com/tarancss/fundflow/lib/ledger"
	"github.com/tarancss/fundflow/lib/metrics"
	"github.com/tarancss/fundflow/lib/msg"
	"github.com/tarancss/fundflow/lib/store"
	"github.com/tarancss/fundflow/lib/util"
	"github.com/tarancss/fundflow/tracer/attribution"
	"github.com/tarancss/fundflow/tracer/conservation"
	"github.com/tarancss/fundflow/tracer/ingest"
	"github.com/tarancss/fundflow/tracer/jobset"
	"github.com/tarancss/fundflow/tracer/window"
)

// Defaults applied to zero Options fields.
const (
	DefaultJobsPerCycle = 5
	DefaultWorkers      = 4
	DefaultCycle        = 30 * time.Second
	DefaultHops         = 5
)

// ErrStopped is returned by ProcessJob when the tracer has been stopped between two windows.
var ErrStopped = errors.New("tracer stopped")

// Options configure a Tracer.
type Options struct {
	Width        uint32        // ticks per window
	JobsPerCycle int           // jobs picked per cycle
	Workers      int           // jobs processed concurrently
	Cycle        time.Duration // time between cycles
	Burn         string        // burn address, may be empty
	Tolerance    int64         // conservation tolerance of completed jobs
	DefaultHops  int           // hop budget of emission jobs
	Emissions    []config.EmissionConfig
}

// OptionsFrom returns the tracer options held by conf.
func OptionsFrom(conf config.ServiceConfig) Options {
	return Options{
		Width:        conf.Window,
		JobsPerCycle: conf.JobsPerCycle,
		Workers:      conf.Workers,
		Cycle:        conf.Cycle.D(),
		Burn:         conf.Burn,
		Tolerance:    conf.Tolerance,
		DefaultHops:  conf.DefaultHops,
		Emissions:    conf.Emissions,
	}
}

func (o Options) withDefaults() Options {
	if o.Width == 0 {
		o.Width = window.DefaultWidth
	}

	if o.JobsPerCycle <= 0 {
		o.JobsPerCycle = DefaultJobsPerCycle
	}

	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}

	if o.Cycle <= 0 {
		o.Cycle = DefaultCycle
	}

	if o.DefaultHops <= 0 {
		o.DefaultHops = DefaultHops
	}

	return o
}

// Tracer implements a tracer service.
type Tracer struct {
	db   store.Store
	l    ledger.Ledger
	dir  *labels.Directory
	mb   msg.MsgBroker // optional
	opts Options
	log  *zap.Logger
	js   *jobset.JobSet
	now  func() time.Time
}

// New instantiates a new tracer service. mb may be nil, in which case no events are published.
func New(db store.Store, l ledger.Ledger, dir *labels.Directory, mb msg.MsgBroker, opts Options,
	log *zap.Logger) *Tracer {
	return &Tracer{
		db:   db,
		l:    l,
		dir:  dir,
		mb:   mb,
		opts: opts.withDefaults(),
		log:  log.With(zap.String("service", "tracer")),
		js:   jobset.New(),
		now:  time.Now,
	}
}

// Run seeds the emission jobs and then runs a cycle every Options.Cycle until ctx is done or the tracer is stopped.
func (t *Tracer) Run(ctx context.Context) error {
	if err := t.EnsureEmissionJobs(ctx); err != nil {
		t.log.Error("cannot seed emission jobs", zap.Error(err))
	}

	tick := time.NewTicker(t.opts.Cycle)
	defer tick.Stop()

	for t.js.Status() == jobset.WORK {
		if err := t.Cycle(ctx); err != nil {
			t.log.Warn("cycle finished with errors", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}

	return nil
}

// Stop makes the running jobs return after their current window and no new job start.
func (t *Tracer) Stop() {
	t.js.Stop()
}

// Running returns the ids of the jobs being processed.
func (t *Tracer) Running() []string {
	return t.js.Running()
}

// Cycle processes up to JobsPerCycle runnable jobs, least recently updated first. The errors of the jobs are
// returned together; a failing job does not affect the others.
func (t *Tracer) Cycle(ctx context.Context) error {
	metrics.CyclesTotal.Inc()

	jobs, err := t.db.ListJobs(ctx, flow.Runnable, t.opts.JobsPerCycle)
	if err != nil {
		return fmt.Errorf("tracer: cannot list jobs: %w", err)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs *multierror.Error
	)

	g.SetLimit(t.opts.Workers)

	for _, job := range jobs {
		if ctx.Err() != nil || t.js.Status() == jobset.STOP {
			break
		}

		id := job.ID

		g.Go(func() error {
			if err := t.ProcessJob(ctx, id); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("job %s: %w", id, err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return errs.ErrorOrNil()
}

// ProcessJob advances job id window by window until it is complete or caught up with the ledger head. Failures flip
// the job to error with the message and leave its checkpoint untouched; cancellation and Stop do not.
func (t *Tracer) ProcessJob(ctx context.Context, id string) error {
	if !t.js.Add(id) {
		t.log.Debug("job already running", zap.String("job", id))

		return nil
	}
	defer t.js.Del(id)

	job, err := t.db.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if job.Status == flow.StatusComplete {
		return nil
	}

	log := t.log.With(zap.String("job", id))

	if err = t.advance(ctx, job, log); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrStopped) {
			log.Info("job interrupted", zap.Error(err))

			return err
		}

		t.fail(job, err, log)

		return err
	}

	return nil
}

func (t *Tracer) advance(ctx context.Context, job flow.Job, log *zap.Logger) error {
	head, err := t.l.GetHeadTick(ctx)
	if err != nil {
		return fmt.Errorf("cannot get head tick: %w", err)
	}

	snap := t.dir.Current()
	ing := ingest.New(t.l, t.opts.Burn, snap.Mixer())
	src := string(job.Source)

	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		if t.js.Status() == jobset.STOP {
			return ErrStopped
		}

		w, ok := window.Next(job, head, t.opts.Width)
		if !ok {
			break
		}

		start := time.Now()

		pending, err := t.db.GetPending(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("cannot get pending state: %w", err)
		}

		res, err := t.fold(ctx, ing, job, snap, pending, w)
		if err != nil {
			return err
		}

		cp := store.Checkpoint{
			JobID:    job.ID,
			LastTick: w.End,
			Deltas:   res.Deltas,
			Hops:     res.Hops,
			Totals:   res.Totals,
			Status:   flow.StatusProcessing,
		}
		if res.Done() {
			cp.Status = flow.StatusComplete
		}

		applied, err := t.db.ApplyUpdates(ctx, cp)
		if err != nil {
			return fmt.Errorf("cannot commit window %d-%d: %w", w.Start, w.End, err)
		}

		if !applied {
			metrics.WindowsStale.WithLabelValues(src).Inc()
			log.Warn("window already committed", zap.Uint32("start", w.Start), zap.Uint32("end", w.End))
		} else {
			metrics.WindowsCommitted.WithLabelValues(src).Inc()
			metrics.TransfersProcessed.WithLabelValues(src).Add(float64(res.Processed))
			metrics.TransfersSkipped.WithLabelValues(src).Add(float64(res.Skipped))
			metrics.HopsRecorded.WithLabelValues(src).Add(float64(len(res.Hops)))
		}

		metrics.WindowLatency.WithLabelValues(src).Observe(time.Since(start).Seconds())

		if job, err = t.db.GetJob(ctx, job.ID); err != nil {
			return err
		}

		log.Debug("window committed", zap.Uint32("start", w.Start), zap.Uint32("end", w.End),
			zap.Int("transfers", res.Processed), zap.Int("hops", len(res.Hops)), zap.Int("remaining", res.Remaining))
		t.publish(job, log)

		if job.Status == flow.StatusComplete {
			metrics.JobsCompleted.WithLabelValues(src).Inc()
			log.Info("job complete", zap.Uint32("tick", job.LastProcessedTick), zap.Int64("terminal", job.Totals.Terminal))
			t.validate(ctx, job, log)

			return nil
		}
	}

	// caught up: a job that failed earlier is healthy again
	if job.Status == flow.StatusError {
		if err = t.db.SetStatus(ctx, job.ID, flow.StatusProcessing, ""); err != nil {
			return err
		}

		job.Status, job.Error = flow.StatusProcessing, ""
		t.publish(job, log)
	}

	return nil
}

// fold folds window w, fetching the transfers of the addresses that receive value inside the window and folding
// again until no new address shows up or the hop budget is exhausted.
func (t *Tracer) fold(ctx context.Context, ing *ingest.Ingester, job flow.Job, snap *labels.Snapshot,
	pending []flow.TrackingState, w window.Window) (attribution.Result, error) {
	b, err := ing.Fetch(ctx, addresses(pending), w)
	if err != nil {
		return attribution.Result{}, err
	}

	res := attribution.Process(job, snap, pending, b)

	for i := 0; i < job.MaxHops; i++ {
		var fresh []string

		for _, a := range res.Pending {
			if !b.Fetched(a) {
				fresh = append(fresh, a)
			}
		}

		if len(fresh) == 0 {
			break
		}

		n, err := ing.Extend(ctx, b, fresh)
		if err != nil {
			return attribution.Result{}, err
		}

		if n == 0 {
			break
		}

		res = attribution.Process(job, snap, pending, b)
	}

	return res, nil
}

func addresses(states []flow.TrackingState) []string {
	addrs := make([]string, 0, len(states))

	for _, s := range states {
		if s.Pending > 0 {
			addrs = append(addrs, s.Address)
		}
	}

	return util.SortedUnique(addrs)
}

func (t *Tracer) fail(job flow.Job, cause error, log *zap.Logger) {
	metrics.JobErrors.WithLabelValues(string(job.Source)).Inc()
	log.Error("job failed", zap.Error(cause))

	// the job context may be gone already
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:gomnd // 10 seconds timeout
	defer cancel()

	if err := t.db.SetStatus(ctx, job.ID, flow.StatusError, cause.Error()); err != nil {
		log.Error("cannot flag job as failed", zap.Error(err))

		return
	}

	job.Status, job.Error, job.UpdatedAt = flow.StatusError, cause.Error(), t.now()
	t.publish(job, log)
}

func (t *Tracer) validate(ctx context.Context, job flow.Job, log *zap.Logger) {
	states, err := t.db.GetAll(ctx, job.ID)
	if err != nil {
		log.Warn("cannot validate job", zap.Error(err))

		return
	}

	hops, err := t.db.GetHops(ctx, job.ID, 0)
	if err != nil {
		log.Warn("cannot validate job", zap.Error(err))

		return
	}

	r := conservation.Validate(job, states, hops, conservation.Options{Tolerance: t.opts.Tolerance})
	metrics.Discrepancy.WithLabelValues(job.ID).Set(float64(r.Discrepancy))

	if !r.Balanced || len(r.Anomalies) > 0 {
		log.Warn("conservation check failed", zap.Int64("expected", r.Expected), zap.Int64("actual", r.Actual),
			zap.Int64("discrepancy", r.Discrepancy), zap.Int("anomalies", len(r.Anomalies)))
	}
}

func (t *Tracer) publish(job flow.Job, log *zap.Logger) {
	if t.mb == nil {
		return
	}

	if err := t.mb.SendEvents([]msg.JobEvent{msg.EventOf(job)}); err != nil {
		log.Warn("cannot publish job event", zap.Error(err))
	}
}

// EnsureEmissionJobs creates the job of every configured emission that has none yet. The recipients of the
// emission transfers become the origins, with the amounts they received; the job starts at the tick after the
// emission.
func (t *Tracer) EnsureEmissionJobs(ctx context.Context) error {
	var errs *multierror.Error

	for _, e := range t.opts.Emissions {
		created, err := t.ensureEmission(ctx, e)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("emission %d: %w", e.Epoch, err))

			continue
		}

		if created {
			t.log.Info("emission job created", zap.String("job", flow.EmissionJobID(e.Epoch)))
		}
	}

	return errs.ErrorOrNil()
}

func (t *Tracer) ensureEmission(ctx context.Context, e config.EmissionConfig) (bool, error) {
	id := flow.EmissionJobID(e.Epoch)

	_, err := t.db.GetJob(ctx, id)
	if err == nil {
		return false, nil
	}

	if !errors.Is(err, store.ErrJobNotFound) {
		return false, err
	}

	outs, err := t.l.GetTransfersFrom(ctx, e.Emitter, e.Tick, e.Tick)
	if err != nil {
		return false, fmt.Errorf("cannot get emission transfers: %w", err)
	}

	origins := EmissionOrigins(e.Emitter, outs)

	job, seeds, err := flow.NewJob(id, flow.SourceEmission, origins, e.Tick+1, t.opts.DefaultHops, t.now())
	if err != nil {
		return false, err
	}

	job.Epoch = e.Epoch

	if err = t.db.CreateJob(ctx, job, seeds); err != nil {
		if errors.Is(err, store.ErrJobExists) {
			return false, nil
		}

		return false, err
	}

	t.publish(job, t.log)

	return true, nil
}

// EmissionOrigins aggregates the emission outputs per recipient, ordered by address. Outputs back to the emitter are
// ignored.
func EmissionOrigins(emitter string, outs []flow.Output) []flow.Origin {
	sums := make(map[string]int64)

	for _, o := range outs {
		if o.Amount > 0 && o.Destination != emitter && o.Destination != "" {
			sums[o.Destination] += o.Amount
		}
	}

	origins := make([]flow.Origin, 0, len(sums))
	for a, v := range sums {
		origins = append(origins, flow.Origin{Address: a, Balance: v})
	}

	sort.Slice(origins, func(i, j int) bool { return origins[i].Address < origins[j].Address })

	return origins
}

// ManageJobRequests starts a go routine to receive and manage job requests published by the api service. A PROCESS
// request runs the job at once; EXIT stops listening.
func (t *Tracer) ManageJobRequests(ctx context.Context) error {
	if t.mb == nil {
		return nil
	}

	mut := new(sync.Mutex)
	mut.Lock()

	reqCh, errCh, err := t.mb.GetReqs(mut)
	if err != nil {
		return fmt.Errorf("tracer: cannot get requests: %w", err)
	}

	// launch request channel reader
	go func() {
		t.log.Info("start listening to job request channel")
		defer t.log.Info("stop listening to job request channel")

		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-reqCh:
				if !ok {
					return
				}

				t.log.Debug("received request", zap.String("job", req.JobID), zap.Int("act", req.Act))

				switch req.Act {
				case msg.EXIT:
					mut.Unlock()

					return
				case msg.PROCESS:
					if err := t.ProcessJob(ctx, req.JobID); err != nil && !errors.Is(err, store.ErrJobNotFound) {
						t.log.Warn("requested job failed", zap.String("job", req.JobID), zap.Error(err))
					}
				default:
					t.log.Warn("request has wrong action", zap.String("job", req.JobID), zap.Int("act", req.Act))
				}

				mut.Unlock()
			case e, ok := <-errCh:
				if !ok {
					return
				}

				t.log.Warn("received error from broker", zap.Error(e))
			}
		}
	}()

	return nil
}
