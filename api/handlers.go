package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/msg"
	"github.com/tarancss/fundflow/lib/node"
	"github.com/tarancss/fundflow/lib/store"
	"github.com/tarancss/fundflow/lib/util"
	"github.com/tarancss/fundflow/tracer/conservation"
	"github.com/tarancss/fundflow/tracer/graph"
)

// maxBody caps the size of a job request.
const maxBody = 1 << 20

// Errors returned to client requests.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrBadStatus   = errors.New("unknown status - use pending, processing, complete or error")
	ErrBadNumber   = errors.New("query value must be a non negative integer")
	ErrTooManyHops = errors.New("maxHops exceeds the maximum allowed")
	ErrBalance     = errors.New("cannot resolve origin balance")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// JobReq is the body of a job submission. Origins given without a balance get their current balance from the
// balance nodes.
type JobReq struct {
	ID        string        `json:"id,omitempty"`
	Origins   []flow.Origin `json:"origins"`
	StartTick uint32        `json:"startTick"`
	MaxHops   int           `json:"maxHops,omitempty"`
}

// reply writes res with status, taking the body from v and the error from err. The request is logged.
func (a *API) reply(rw http.ResponseWriter, r *http.Request, status int, v interface{}, err error) {
	var res Response

	if err != nil {
		res.Error = err.Error()
	} else if v != nil {
		tmp, errM := json.Marshal(v)
		if errM != nil {
			status, res.Error = http.StatusInternalServerError, errM.Error()
		} else {
			res.Body = string(tmp)
		}
	}

	// log request
	a.log.Info("httpreq", zap.String("from", r.RemoteAddr), zap.String("method", r.Method),
		zap.String("uri", r.RequestURI), zap.Int("status", status), zap.Error(err))
	// reply
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(&res)
}

// statusOf maps store and validation errors to http status codes.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrJobExists):
		return http.StatusConflict
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrBadStatus), errors.Is(err, ErrBadNumber),
		errors.Is(err, ErrTooManyHops), errors.Is(err, ErrBalance), errors.Is(err, flow.ErrNoOrigins),
		errors.Is(err, flow.ErrDuplicateOrigin), errors.Is(err, flow.ErrEmptyAddress),
		errors.Is(err, flow.ErrBadBalance), errors.Is(err, flow.ErrMaxHops):
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}

// homeHandler just replies a welcome message to the client.
func (a *API) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response

	res.Body = "Hello, this is your fund-flow tracer!"

	a.log.Info("httpreq", zap.String("from", r.RemoteAddr), zap.String("uri", r.RequestURI))
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(res)
}

// createHandler validates a job submission, resolves missing balances and stores the job. The tracer is asked to
// process it at once.
func (a *API) createHandler(rw http.ResponseWriter, r *http.Request) {
	var req JobReq

	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBody)).Decode(&req); err != nil {
		a.reply(rw, r, http.StatusBadRequest, nil, fmt.Errorf("%w: %v", ErrBadRequest, err))

		return
	}

	job, err := a.CreateJob(r.Context(), req)
	if err != nil {
		a.reply(rw, r, statusOf(err), nil, err)

		return
	}

	a.reply(rw, r, http.StatusCreated, job, nil)
}

// CreateJob creates the job described by req.
func (a *API) CreateJob(ctx context.Context, req JobReq) (flow.Job, error) {
	if req.MaxHops == 0 {
		req.MaxHops = a.opts.DefaultHops
	}

	if a.opts.MaxHops > 0 && req.MaxHops > a.opts.MaxHops {
		return flow.Job{}, fmt.Errorf("%w: %d > %d", ErrTooManyHops, req.MaxHops, a.opts.MaxHops)
	}

	origins := make([]flow.Origin, len(req.Origins))

	for i, o := range req.Origins {
		if o.Balance == 0 && o.Address != "" {
			bal, err := node.Lookup(ctx, a.nodes, o.Address)
			if err != nil {
				return flow.Job{}, fmt.Errorf("%w of %s: %v", ErrBalance, o.Address, err)
			}

			o.Balance = bal
		}

		origins[i] = o
	}

	job, seeds, err := flow.NewJob(req.ID, flow.SourceUser, origins, req.StartTick, req.MaxHops, a.now())
	if err != nil {
		return flow.Job{}, err
	}

	if err = a.db.CreateJob(ctx, job, seeds); err != nil {
		return flow.Job{}, err
	}

	if a.mb != nil {
		if err = a.mb.SendRequest(msg.JobReq{JobID: job.ID, Act: msg.PROCESS}); err != nil {
			a.log.Warn("cannot request job processing", zap.String("job", job.ID), zap.Error(err))
		}
	}

	return job, nil
}

var statusNames = []string{ //nolint:gochecknoglobals // read only
	string(flow.StatusPending), string(flow.StatusProcessing), string(flow.StatusComplete), string(flow.StatusError),
}

// listHandler replies the jobs with the statuses in ?status= (comma separated or repeated), all of them by default.
func (a *API) listHandler(rw http.ResponseWriter, r *http.Request) {
	var statuses []flow.Status

	for _, v := range r.URL.Query()["status"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}

			if !util.In(statusNames, s) {
				a.reply(rw, r, http.StatusBadRequest, nil, fmt.Errorf("%w: %q", ErrBadStatus, s))

				return
			}

			statuses = append(statuses, flow.Status(s))
		}
	}

	limit, err := intQuery(r, "limit")
	if err != nil {
		a.reply(rw, r, http.StatusBadRequest, nil, err)

		return
	}

	jobs, err := a.db.ListJobs(r.Context(), statuses, limit)
	if jobs == nil {
		jobs = []flow.Job{}
	}

	a.reply(rw, r, statusOf(err), jobs, err)
}

func intQuery(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrBadNumber, name, v)
	}

	return n, nil
}

// jobHandler replies the job in the uri.
func (a *API) jobHandler(rw http.ResponseWriter, r *http.Request) {
	job, err := a.db.GetJob(r.Context(), mux.Vars(r)["id"])
	a.reply(rw, r, statusOf(err), job, err)
}

// deleteHandler deletes the job in the uri with all its results.
func (a *API) deleteHandler(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := a.db.DeleteJob(r.Context(), id)
	if err == nil {
		a.forget(id)
	}

	a.reply(rw, r, statusOf(err), nil, err)
}

// hopsHandler replies the hop records of the job, up to ?maxDepth= hops when given.
func (a *API) hopsHandler(rw http.ResponseWriter, r *http.Request) {
	maxDepth, err := intQuery(r, "maxDepth")
	if err != nil {
		a.reply(rw, r, http.StatusBadRequest, nil, err)

		return
	}

	hops, err := a.db.GetHops(r.Context(), mux.Vars(r)["id"], maxDepth)
	if hops == nil {
		hops = []flow.HopRecord{}
	}

	a.reply(rw, r, statusOf(err), hops, err)
}

// stateHandler replies every tracking state row of the job.
func (a *API) stateHandler(rw http.ResponseWriter, r *http.Request) {
	states, err := a.db.GetAll(r.Context(), mux.Vars(r)["id"])
	if states == nil {
		states = []flow.TrackingState{}
	}

	a.reply(rw, r, statusOf(err), states, err)
}

// graphHandler replies the visualization graph of the job, up to ?maxDepth= hops when given.
func (a *API) graphHandler(rw http.ResponseWriter, r *http.Request) {
	maxDepth, err := intQuery(r, "maxDepth")
	if err != nil {
		a.reply(rw, r, http.StatusBadRequest, nil, err)

		return
	}

	g, err := a.Graph(r.Context(), mux.Vars(r)["id"], maxDepth)
	a.reply(rw, r, statusOf(err), g, err)
}

// Graph returns the graph of job id. Graphs are cached until the job records new hops.
func (a *API) Graph(ctx context.Context, id string, maxDepth int) (graph.Graph, error) {
	job, err := a.db.GetJob(ctx, id)
	if err != nil {
		return graph.Graph{}, err
	}

	k := graphKey{id: id, hops: job.Totals.Hops, maxDepth: maxDepth}
	if v, ok := a.cached(k); ok {
		return v.(graph.Graph), nil
	}

	hops, err := a.db.GetHops(ctx, id, maxDepth)
	if err != nil {
		return graph.Graph{}, err
	}

	g := graph.Build(job, hops, maxDepth)
	a.keep(k, g)

	return g, nil
}

// validateHandler replies the conservation report of the job.
func (a *API) validateHandler(rw http.ResponseWriter, r *http.Request) {
	rep, err := a.Validate(r.Context(), mux.Vars(r)["id"])
	a.reply(rw, r, statusOf(err), rep, err)
}

// Validate returns the conservation report of job id.
func (a *API) Validate(ctx context.Context, id string) (conservation.Report, error) {
	job, err := a.db.GetJob(ctx, id)
	if err != nil {
		return conservation.Report{}, err
	}

	states, err := a.db.GetAll(ctx, id)
	if err != nil {
		return conservation.Report{}, err
	}

	hops, err := a.db.GetHops(ctx, id, 0)
	if err != nil {
		return conservation.Report{}, err
	}

	return conservation.Validate(job, states, hops, conservation.Options{Tolerance: a.opts.Tolerance}), nil
}
