// Package mongo implements store.Store on MongoDB. Each record type maps to
// its own collection; writes are per-document atomic and multi-document
// transactions are not used. The journal's unique (instance_id, ordinal)
// index arbitrates concurrent cycle commits: the loser's batch is rejected
// with ErrConflict and the instance row is brought back in line with the
// journal head by the next successful commit. The engine's per-instance
// lease keeps one executor per instance, so out-of-band appends are the
// only writers racing a cycle.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	clientsmongo "github.com/pitchlane/flow/features/store/mongo/clients/mongo"
)

const (
	collInstances     = "instances"
	collJournal       = "journal"
	collStepRecords   = "step_records"
	collWaits         = "waits"
	collTimers        = "timers"
	collQueuedEvents  = "queued_events"
	collPublisherKeys = "publisher_keys"
	collDLQ           = "dlq"
	collSnapshots     = "snapshots"
	collLeases        = "leases"
)

type (
	// Store implements store.Store backed by MongoDB collections.
	Store struct {
		client    clientsmongo.Client
		clk       clock.Clock
		instances clientsmongo.Collection
		entries   clientsmongo.Collection
		steps     clientsmongo.Collection
		waits     clientsmongo.Collection
		timers    clientsmongo.Collection
		queued    clientsmongo.Collection
		pubKeys   clientsmongo.Collection
		dlq       clientsmongo.Collection
		snapshots clientsmongo.Collection
		leases    clientsmongo.Collection
	}

	// instanceDocument adds the derived correlation_values array to the
	// instance row so FindByCorrelation can hit a multikey index instead
	// of scanning the correlation_keys map.
	instanceDocument struct {
		store.Instance    `bson:",inline"`
		CorrelationValues []string `bson:"correlation_values,omitempty"`
	}
)

var _ store.Store = (*Store)(nil)

var terminalStatuses = []journal.Status{journal.StatusCompleted, journal.StatusFailed, journal.StatusCancelled}

// New returns a Store over the given client and ensures its indexes. A nil
// clk defaults to the system clock.
func New(client clientsmongo.Client, clk clock.Clock) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	if clk == nil {
		clk = clock.System()
	}
	s := &Store{
		client:    client,
		clk:       clk,
		instances: client.Collection(collInstances),
		entries:   client.Collection(collJournal),
		steps:     client.Collection(collStepRecords),
		waits:     client.Collection(collWaits),
		timers:    client.Collection(collTimers),
		queued:    client.Collection(collQueuedEvents),
		pubKeys:   client.Collection(collPublisherKeys),
		dlq:       client.Collection(collDLQ),
		snapshots: client.Collection(collSnapshots),
		leases:    client.Collection(collLeases),
	}
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	for _, ix := range []struct {
		coll   clientsmongo.Collection
		models []mongodriver.IndexModel
	}{
		{s.instances, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "idempotency_key", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
			{Keys: bson.D{{Key: "correlation_values", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_log_at", Value: 1}}},
		}},
		{s.entries, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "ordinal", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.steps, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "step", Value: 1}, {Key: "ordinal", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.waits, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "event", Value: 1}, {Key: "correlation_key", Value: 1}}},
		}},
		{s.timers, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "fire_at", Value: 1}}},
			{Keys: bson.D{{Key: "instance_id", Value: 1}}},
		}},
		{s.queued, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "event", Value: 1}, {Key: "instance_id", Value: 1}, {Key: "enqueued_at", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		}},
		{s.pubKeys, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		}},
		{s.dlq, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "moved_at", Value: 1}}},
		}},
		{s.snapshots, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "taken_at", Value: -1}}},
		}},
	} {
		if _, err := ix.coll.Indexes().CreateMany(ctx, ix.models); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateInstance(ctx context.Context, inst store.Instance, entries []journal.Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clk.Now()
	inst.LogHead = uint64(len(entries))
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	if len(entries) > 0 {
		inst.LastLogAt = entries[len(entries)-1].Timestamp
	} else if inst.LastLogAt.IsZero() {
		inst.LastLogAt = now
	}

	if _, err := s.instances.InsertOne(ctx, toInstanceDocument(inst)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return s.duplicateOf(ctx, inst)
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	if _, err := s.entries.InsertMany(ctx, toDocuments(stampEntries(inst.ID, 0, entries))); err != nil {
		return fmt.Errorf("insert journal: %w", err)
	}
	return nil
}

// duplicateOf resolves which instance owns the key that rejected an insert:
// an idempotency key points at the surviving row, an _id collision points
// at itself.
func (s *Store) duplicateOf(ctx context.Context, inst store.Instance) error {
	if inst.IdempotencyKey != "" {
		var doc instanceDocument
		if err := s.instances.FindOne(ctx, bson.M{"idempotency_key": inst.IdempotencyKey}).Decode(&doc); err == nil {
			return &store.DuplicateKeyError{ExistingID: doc.ID}
		}
	}
	return &store.DuplicateKeyError{ExistingID: inst.ID}
}

func (s *Store) LoadInstance(ctx context.Context, id string) (store.Instance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := s.loadInstanceDoc(ctx, id)
	if err != nil {
		return store.Instance{}, err
	}
	return doc.Instance, nil
}

func (s *Store) ListInstances(ctx context.Context, f store.InstanceFilter) ([]store.Instance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if f.Kind != "" {
		filter["kind"] = f.Kind
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	if !f.LastLogBefore.IsZero() {
		filter["last_log_at"] = bson.M{"$lt": f.LastLogBefore}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.instances.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return decodeInstances(ctx, cur)
}

func (s *Store) FindByCorrelation(ctx context.Context, value string) ([]store.Instance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.instances.Find(ctx,
		bson.M{"correlation_values": value, "status": bson.M{"$nin": terminalStatuses}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find by correlation: %w", err)
	}
	return decodeInstances(ctx, cur)
}

func (s *Store) AppendCycle(ctx context.Context, up store.CycleUpdate) ([]journal.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.loadInstanceDoc(ctx, up.InstanceID)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, store.ErrTerminal
	}

	stamped := stampEntries(up.InstanceID, up.ExpectedHead, up.Entries)
	if len(stamped) > 0 {
		if _, err := s.entries.InsertMany(ctx, toDocuments(stamped)); err != nil {
			if mongodriver.IsDuplicateKeyError(err) {
				return nil, store.ErrConflict
			}
			return nil, fmt.Errorf("append journal: %w", err)
		}
	} else if cur.LogHead != up.ExpectedHead {
		return nil, store.ErrConflict
	}

	set := bson.M{
		"status":           up.Instance.Status,
		"state":            up.Instance.State,
		"output":           up.Instance.Output,
		"failure":          up.Instance.Failure,
		"open_suspensions": up.Instance.OpenSuspensions,
		"log_head":         up.ExpectedHead + uint64(len(stamped)),
		"updated_at":       s.clk.Now(),
	}
	if up.Instance.KindVersion != "" {
		set["kind_version"] = up.Instance.KindVersion
	}
	if len(stamped) > 0 {
		set["last_log_at"] = stamped[len(stamped)-1].Timestamp
	}
	// The row filter is not fenced on log_head when entries were written:
	// winning the journal index is ownership, and the $set repairs a row
	// left behind by an interrupted commit.
	res, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": up.InstanceID, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$set": set},
	)
	if err != nil {
		return nil, fmt.Errorf("update instance: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, store.ErrConflict
	}

	for _, rec := range up.Steps {
		rec.InstanceID = up.InstanceID
		_, err := s.steps.ReplaceOne(ctx,
			bson.M{"instance_id": rec.InstanceID, "step": rec.Step, "ordinal": rec.Ordinal},
			rec, options.Replace().SetUpsert(true),
		)
		if err != nil {
			return nil, fmt.Errorf("upsert step %s: %w", rec.Key(), err)
		}
	}
	if len(up.DeleteTimers) > 0 {
		if _, err := s.timers.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": up.DeleteTimers}}); err != nil {
			return nil, fmt.Errorf("delete timers: %w", err)
		}
	}
	for _, t := range up.PutTimers {
		if _, err := s.timers.ReplaceOne(ctx, bson.M{"_id": t.ID}, t, options.Replace().SetUpsert(true)); err != nil {
			return nil, fmt.Errorf("put timer %s: %w", t.ID, err)
		}
	}
	if len(up.DeleteWaits) > 0 {
		if _, err := s.waits.DeleteMany(ctx, bson.M{"instance_id": up.InstanceID, "key": bson.M{"$in": up.DeleteWaits}}); err != nil {
			return nil, fmt.Errorf("delete waits: %w", err)
		}
	}
	for _, w := range up.PutWaits {
		w.InstanceID = up.InstanceID
		_, err := s.waits.ReplaceOne(ctx,
			bson.M{"instance_id": w.InstanceID, "key": w.Key},
			w, options.Replace().SetUpsert(true),
		)
		if err != nil {
			return nil, fmt.Errorf("put wait %s: %w", w.Key, err)
		}
	}
	return stamped, nil
}

func (s *Store) Journal(ctx context.Context, id string, fromOrdinal uint64, limit int) (journal.Page, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.instanceExists(ctx, id); err != nil {
		return journal.Page{}, err
	}
	if fromOrdinal == 0 {
		fromOrdinal = 1
	}
	opts := options.Find().SetSort(bson.D{{Key: "ordinal", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit + 1))
	}
	cur, err := s.entries.Find(ctx, bson.M{"instance_id": id, "ordinal": bson.M{"$gte": fromOrdinal}}, opts)
	if err != nil {
		return journal.Page{}, fmt.Errorf("load journal: %w", err)
	}
	defer cur.Close(ctx)

	var page journal.Page
	for cur.Next(ctx) {
		var e journal.Entry
		if err := cur.Decode(&e); err != nil {
			return journal.Page{}, fmt.Errorf("decode entry: %w", err)
		}
		page.Entries = append(page.Entries, e)
	}
	if err := cur.Err(); err != nil {
		return journal.Page{}, err
	}
	if limit > 0 && len(page.Entries) > limit {
		page.NextOrdinal = page.Entries[limit].Ordinal
		page.Entries = page.Entries[:limit]
	}
	return page, nil
}

func (s *Store) StepRecords(ctx context.Context, id string) ([]store.StepRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.instanceExists(ctx, id); err != nil {
		return nil, err
	}
	cur, err := s.steps.Find(ctx, bson.M{"instance_id": id},
		options.Find().SetSort(bson.D{{Key: "step", Value: 1}, {Key: "ordinal", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("load step records: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.StepRecord
	for cur.Next(ctx) {
		var rec store.StepRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode step record: %w", err)
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := s.client.Timeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return ctx, func() {}
}

func (s *Store) instanceExists(ctx context.Context, id string) error {
	err := s.instances.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) loadInstanceDoc(ctx context.Context, id string) (instanceDocument, error) {
	var doc instanceDocument
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return doc, store.ErrNotFound
	}
	if err != nil {
		return doc, fmt.Errorf("load instance: %w", err)
	}
	return doc, nil
}

func toInstanceDocument(inst store.Instance) instanceDocument {
	doc := instanceDocument{Instance: inst}
	if len(inst.CorrelationKeys) > 0 {
		doc.CorrelationValues = make([]string, 0, len(inst.CorrelationKeys))
		for _, v := range inst.CorrelationKeys {
			doc.CorrelationValues = append(doc.CorrelationValues, v)
		}
		sort.Strings(doc.CorrelationValues)
	}
	return doc
}

// stampEntries assigns dense ordinals following head and pins the instance
// ID, mirroring what the store contract promises at append time.
func stampEntries(instanceID string, head uint64, entries []journal.Entry) []journal.Entry {
	out := make([]journal.Entry, 0, len(entries))
	for _, e := range entries {
		head++
		e.Ordinal = head
		e.InstanceID = instanceID
		out = append(out, e)
	}
	return out
}

func toDocuments(entries []journal.Entry) []any {
	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}
	return docs
}

func decodeInstances(ctx context.Context, cur clientsmongo.Cursor) ([]store.Instance, error) {
	defer cur.Close(ctx)
	var out []store.Instance
	for cur.Next(ctx) {
		var doc instanceDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode instance: %w", err)
		}
		out = append(out, doc.Instance)
	}
	return out, cur.Err()
}
