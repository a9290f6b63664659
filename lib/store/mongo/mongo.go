// Package mongo implements the store for MongoDB. Checkpoints are committed in a multi-document transaction, so the
// server must run as a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/tarancss/fundflow/lib/flow"
	"github.com/tarancss/fundflow/lib/store"
)

// Collection names.
const (
	jobsCol   = "jobs"
	statesCol = "tracking_state"
	hopsCol   = "hop_records"
)

// DefaultDatabase is used when none is given.
const DefaultDatabase = "fundflow"

var errConflict = errors.New("job checkpoint changed concurrently")

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c   *mgo.Client
	db  *mgo.Database
	now func() time.Time
}

type jobDoc struct {
	ID                string        `bson:"_id"`
	Source            string        `bson:"source"`
	Epoch             uint32        `bson:"epoch"`
	Origins           []flow.Origin `bson:"origins"`
	StartTick         uint32        `bson:"startTick"`
	MaxHops           int           `bson:"maxHops"`
	Status            string        `bson:"status"`
	LastProcessedTick uint32        `bson:"lastProcessedTick"`
	Windows           int64         `bson:"windows"`
	Hops              int64         `bson:"hops"`
	Terminal          int64         `bson:"terminal"`
	Pending           int64         `bson:"pending"`
	Destroyed         int64         `bson:"destroyed"`
	Dropped           int64         `bson:"dropped"`
	Error             string        `bson:"error"`
	CreatedAt         time.Time     `bson:"createdAt"`
	UpdatedAt         time.Time     `bson:"updatedAt"`
}

func toJobDoc(j flow.Job) jobDoc {
	return jobDoc{
		ID: j.ID, Source: string(j.Source), Epoch: j.Epoch, Origins: j.Origins, StartTick: j.StartTick,
		MaxHops: j.MaxHops, Status: string(j.Status), LastProcessedTick: j.LastProcessedTick, Windows: j.Windows,
		Hops: j.Totals.Hops, Terminal: j.Totals.Terminal, Pending: j.Totals.Pending, Destroyed: j.Totals.Destroyed,
		Dropped: j.Totals.Dropped, Error: j.Error, CreatedAt: j.CreatedAt.UTC(), UpdatedAt: j.UpdatedAt.UTC(),
	}
}

func (d jobDoc) job() flow.Job {
	return flow.Job{
		ID: d.ID, Source: flow.Source(d.Source), Epoch: d.Epoch, Origins: d.Origins, StartTick: d.StartTick,
		MaxHops: d.MaxHops, Status: flow.Status(d.Status), LastProcessedTick: d.LastProcessedTick,
		Windows: d.Windows, Totals: flow.Totals{Hops: d.Hops, Terminal: d.Terminal, Pending: d.Pending, Destroyed: d.Destroyed,
			Dropped: d.Dropped},
		Error: d.Error, CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC(),
	}
}

type stateID struct {
	JobID   string `bson:"job"`
	Address string `bson:"address"`
	Origin  string `bson:"origin"`
}

type stateDoc struct {
	ID       stateID `bson:"_id"`
	JobID    string  `bson:"jobId"`
	Address  string  `bson:"address"`
	Kind     string  `bson:"kind"`
	Received int64   `bson:"received"`
	Sent     int64   `bson:"sent"`
	Pending  int64   `bson:"pending"`
	HopLevel int     `bson:"hopLevel"`
	LastTick uint32  `bson:"lastTick"`
	Terminal bool    `bson:"terminal"`
	Complete bool    `bson:"complete"`
}

func toStateDoc(s flow.TrackingState) stateDoc {
	return stateDoc{
		ID:    stateID{JobID: s.JobID, Address: s.Address, Origin: s.Origin},
		JobID: s.JobID, Address: s.Address, Kind: s.Kind.String(), Received: s.Received, Sent: s.Sent,
		Pending: s.Pending, HopLevel: s.HopLevel, LastTick: s.LastTick, Terminal: s.Terminal, Complete: s.Complete,
	}
}

func (d stateDoc) state() (flow.TrackingState, error) {
	k, err := flow.ParseKind(d.Kind)

	return flow.TrackingState{
		JobID: d.ID.JobID, Address: d.ID.Address, Origin: d.ID.Origin, Kind: k, Received: d.Received, Sent: d.Sent,
		Pending: d.Pending, HopLevel: d.HopLevel, LastTick: d.LastTick, Terminal: d.Terminal, Complete: d.Complete,
	}, err
}

type hopDoc struct {
	ID               string    `bson:"_id"`
	N                int64     `bson:"n"`
	JobID            string    `bson:"jobId"`
	Tick             uint32    `bson:"tick"`
	Timestamp        time.Time `bson:"ts"`
	TxID             string    `bson:"txId"`
	Source           string    `bson:"source"`
	Destination      string    `bson:"destination"`
	Amount           int64     `bson:"amount"`
	Origin           string    `bson:"origin"`
	HopLevel         int       `bson:"hopLevel"`
	DestinationKind  string    `bson:"destinationKind"`
	DestinationLabel string    `bson:"destinationLabel,omitempty"`
}

func (d hopDoc) hop() (flow.HopRecord, error) {
	k, err := flow.ParseKind(d.DestinationKind)

	return flow.HopRecord{
		ID: d.ID, JobID: d.JobID, Tick: d.Tick, Timestamp: d.Timestamp.UTC(), TxID: d.TxID, Source: d.Source,
		Destination: d.Destination, Amount: d.Amount, Origin: d.Origin, HopLevel: d.HopLevel, DestinationKind: k,
		DestinationLabel: d.DestinationLabel,
	}, err
}

// New returns a Mongo client connection to the specified MongoDB database uri. The database name is taken from the
// uri path, DefaultDatabase when it has none.
func New(uri string) (*Mongo, error) {
	// get a client
	opts := options.Client().ApplyURI(uri)

	c, err := mgo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB: %w", err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return NewWithClient(c, databaseName(uri)), nil
}

// NewWithClient returns a store over database name of c.
func NewWithClient(c *mgo.Client, name string) *Mongo {
	if name == "" {
		name = DefaultDatabase
	}

	return &Mongo{c: c, db: c.Database(name), now: time.Now}
}

func databaseName(uri string) string {
	cs, err := connstring.Parse(uri)
	if err != nil {
		return ""
	}

	return cs.Database
}

// Migrate creates the indexes used by the queries.
func (m *Mongo) Migrate(ctx context.Context) error {
	if _, err := m.db.Collection(statesCol).Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys: bson.D{{Key: "jobId", Value: 1}, {Key: "pending", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create tracking state index: %w", err)
	}

	if _, err := m.db.Collection(hopsCol).Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys: bson.D{{Key: "jobId", Value: 1}, {Key: "n", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create hop records index: %w", err)
	}

	// collections must exist before they are written inside a transaction
	for _, col := range []string{jobsCol, statesCol, hopsCol} {
		if _, err := m.db.Collection(col).CountDocuments(ctx, bson.D{}); err != nil {
			return fmt.Errorf("touch %s: %w", col, err)
		}
	}

	return nil
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

func isDuplicate(err error) bool {
	var we mgo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 { //nolint:gomnd // duplicate key
				return true
			}
		}
	}

	return false
}

// CreateJob implements store.Store.
func (m *Mongo) CreateJob(ctx context.Context, job flow.Job, seeds []flow.TrackingState) error {
	if _, err := m.db.Collection(jobsCol).InsertOne(ctx, toJobDoc(job)); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", store.ErrJobExists, job.ID)
		}

		return fmt.Errorf("could not insert job in db: %w", err)
	}

	if len(seeds) == 0 {
		return nil
	}

	docs := make([]interface{}, len(seeds))
	for i, s := range seeds {
		docs[i] = toStateDoc(s)
	}

	if _, err := m.db.Collection(statesCol).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("could not insert seeds in db: %w", err)
	}

	return nil
}

// GetJob implements store.Store.
func (m *Mongo) GetJob(ctx context.Context, id string) (flow.Job, error) {
	return m.getJob(ctx, id)
}

func (m *Mongo) getJob(ctx context.Context, id string) (flow.Job, error) {
	var d jobDoc

	err := m.db.Collection(jobsCol).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return flow.Job{}, store.ErrJobNotFound
	}

	if err != nil {
		return flow.Job{}, fmt.Errorf("find job: %w", err)
	}

	return d.job(), nil
}

// ListJobs implements store.Store. Jobs are returned least recently updated first.
func (m *Mongo) ListJobs(ctx context.Context, statuses []flow.Status, limit int) ([]flow.Job, error) {
	filter := bson.M{}

	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}

		filter["status"] = bson.M{"$in": ss}
	}

	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := m.db.Collection(jobsCol).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}

	var docs []jobDoc
	if err = cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}

	jobs := make([]flow.Job, len(docs))
	for i, d := range docs {
		jobs[i] = d.job()
	}

	return jobs, nil
}

// DeleteJob implements store.Store.
func (m *Mongo) DeleteJob(ctx context.Context, id string) error {
	res, err := m.db.Collection(jobsCol).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	if res.DeletedCount != 1 {
		return store.ErrJobNotFound
	}

	if _, err = m.db.Collection(statesCol).DeleteMany(ctx, bson.M{"jobId": id}); err != nil {
		return fmt.Errorf("delete tracking state: %w", err)
	}

	if _, err = m.db.Collection(hopsCol).DeleteMany(ctx, bson.M{"jobId": id}); err != nil {
		return fmt.Errorf("delete hop records: %w", err)
	}

	return nil
}

// SetStatus implements store.Store.
func (m *Mongo) SetStatus(ctx context.Context, id string, status flow.Status, msg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %s", store.ErrBadStatus, status)
	}

	res, err := m.db.Collection(jobsCol).UpdateOne(ctx, bson.M{"_id": id}, bson.D{{
		Key: "$set", Value: bson.D{
			{Key: "status", Value: string(status)},
			{Key: "error", Value: msg},
			{Key: "updatedAt", Value: m.now().UTC()},
		},
	}})
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	if res.MatchedCount == 0 {
		return store.ErrJobNotFound
	}

	return nil
}

// GetPending implements store.Store.
func (m *Mongo) GetPending(ctx context.Context, id string) ([]flow.TrackingState, error) {
	return m.states(ctx, id, bson.M{"jobId": id, "pending": bson.M{"$gt": 0}})
}

// GetAll implements store.Store.
func (m *Mongo) GetAll(ctx context.Context, id string) ([]flow.TrackingState, error) {
	return m.states(ctx, id, bson.M{"jobId": id})
}

func (m *Mongo) states(ctx context.Context, id string, filter bson.M) ([]flow.TrackingState, error) {
	if _, err := m.getJob(ctx, id); err != nil {
		return nil, err
	}

	return m.findStates(ctx, filter)
}

func (m *Mongo) findStates(ctx context.Context, filter interface{}) ([]flow.TrackingState, error) {
	cur, err := m.db.Collection(statesCol).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id.address", Value: 1}, {Key: "_id.origin", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find tracking state: %w", err)
	}

	var docs []stateDoc
	if err = cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode tracking state: %w", err)
	}

	states := make([]flow.TrackingState, len(docs))

	for i, d := range docs {
		if states[i], err = d.state(); err != nil {
			return nil, err
		}
	}

	return states, nil
}

// GetHops implements store.Store. Hops are returned in insertion order.
func (m *Mongo) GetHops(ctx context.Context, id string, maxDepth int) ([]flow.HopRecord, error) {
	if _, err := m.getJob(ctx, id); err != nil {
		return nil, err
	}

	filter := bson.M{"jobId": id}
	if maxDepth > 0 {
		filter["hopLevel"] = bson.M{"$lte": maxDepth}
	}

	cur, err := m.db.Collection(hopsCol).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "n", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find hop records: %w", err)
	}

	var docs []hopDoc
	if err = cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode hop records: %w", err)
	}

	hops := make([]flow.HopRecord, len(docs))

	for i, d := range docs {
		if hops[i], err = d.hop(); err != nil {
			return nil, err
		}
	}

	return hops, nil
}

// ApplyUpdates implements store.Store. It returns false when cp is stale.
func (m *Mongo) ApplyUpdates(ctx context.Context, cp store.Checkpoint) (bool, error) {
	sess, err := m.c.StartSession()
	if err != nil {
		return false, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	applied, err := sess.WithTransaction(ctx, func(sc mgo.SessionContext) (interface{}, error) {
		return m.apply(sc, cp)
	})
	if err != nil {
		return false, err
	}

	return applied.(bool), nil
}

func (m *Mongo) apply(ctx mgo.SessionContext, cp store.Checkpoint) (bool, error) {
	job, err := m.getJob(ctx, cp.JobID)
	if err != nil {
		return false, err
	}

	if cp.Stale(job) {
		return false, nil
	}

	if err = m.mergeStates(ctx, cp); err != nil {
		return false, err
	}

	if len(cp.Hops) > 0 {
		models := make([]mgo.WriteModel, len(cp.Hops))

		for i, h := range cp.Hops {
			d := hopDoc{
				ID: h.ID, N: job.Totals.Hops + int64(i), JobID: h.JobID, Tick: h.Tick, Timestamp: h.Timestamp.UTC(),
				TxID: h.TxID, Source: h.Source, Destination: h.Destination, Amount: h.Amount, Origin: h.Origin,
				HopLevel: h.HopLevel, DestinationKind: h.DestinationKind.String(), DestinationLabel: h.DestinationLabel,
			}
			models[i] = mgo.NewUpdateOneModel().SetFilter(bson.M{"_id": h.ID}).
				SetUpdate(bson.M{"$setOnInsert": d}).SetUpsert(true)
		}

		if _, err = m.db.Collection(hopsCol).BulkWrite(ctx, models); err != nil {
			return false, fmt.Errorf("insert hop records: %w", err)
		}
	}

	next := toJobDoc(cp.Advance(job, m.now()))

	res, err := m.db.Collection(jobsCol).ReplaceOne(ctx,
		bson.M{"_id": job.ID, "windows": job.Windows}, next)
	if err != nil {
		return false, fmt.Errorf("update job checkpoint: %w", err)
	}

	if res.MatchedCount != 1 {
		return false, errConflict
	}

	return true, nil
}

func (m *Mongo) mergeStates(ctx context.Context, cp store.Checkpoint) error {
	if len(cp.Deltas) == 0 {
		return nil
	}

	ids := make([]stateID, 0, len(cp.Deltas))
	for _, d := range cp.Deltas {
		ids = append(ids, stateID{JobID: cp.JobID, Address: d.Address, Origin: d.Origin})
	}

	current, err := m.findStates(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return err
	}

	rows := make(map[flow.Key]flow.TrackingState, len(current))
	for _, s := range current {
		rows[s.Key()] = s
	}

	var order []flow.Key

	next := make(map[flow.Key]flow.TrackingState, len(cp.Deltas))

	for _, d := range cp.Deltas {
		k := d.Key()

		s, ok := next[k]
		if !ok {
			s = rows[k]
			order = append(order, k)
		}

		if d.JobID == "" {
			d.JobID = cp.JobID
		}

		next[k] = s.Apply(d)
	}

	models := make([]mgo.WriteModel, len(order))

	for i, k := range order {
		doc := toStateDoc(next[k])
		models[i] = mgo.NewReplaceOneModel().SetFilter(bson.M{"_id": doc.ID}).SetReplacement(doc).SetUpsert(true)
	}

	if _, err = m.db.Collection(statesCol).BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("upsert tracking state: %w", err)
	}

	return nil
}
