package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pitchlane/flow/engine/store"
)

type (
	leaseDocument struct {
		InstanceID string    `bson:"_id"`
		Owner      string    `bson:"owner"`
		ExpiresAt  time.Time `bson:"expires_at"`
	}

	publisherKeyDocument struct {
		Key       string    `bson:"_id"`
		SeenAt    time.Time `bson:"seen_at"`
		ExpiresAt time.Time `bson:"expires_at"`
	}
)

func (s *Store) EnqueueEvent(ctx context.Context, ev store.QueuedEvent, perNameLimit int) (store.QueueResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	scope := queueScope(ev.Event, ev.InstanceID)
	var res store.QueueResult
	if perNameLimit > 0 {
		depth, err := s.queued.CountDocuments(ctx, scope)
		if err != nil {
			return res, fmt.Errorf("count queued: %w", err)
		}
		if depth >= int64(perNameLimit) {
			var dropped store.QueuedEvent
			err := s.queued.FindOneAndDelete(ctx, scope,
				options.FindOneAndDelete().SetSort(bson.D{{Key: "enqueued_at", Value: 1}}),
			).Decode(&dropped)
			if err != nil && !errors.Is(err, mongodriver.ErrNoDocuments) {
				return res, fmt.Errorf("evict oldest queued: %w", err)
			}
			if err == nil {
				res.DroppedOldest = &dropped
				dlq := store.DLQEntry{
					ID:           uuid.NewString(),
					InstanceID:   dropped.InstanceID,
					DroppedEvent: &dropped,
					MovedAt:      s.clk.Now(),
				}
				if _, err := s.dlq.InsertOne(ctx, dlq); err != nil {
					return res, fmt.Errorf("dead-letter dropped event: %w", err)
				}
			}
		}
	}
	if _, err := s.queued.InsertOne(ctx, ev); err != nil {
		return res, fmt.Errorf("enqueue event: %w", err)
	}
	res.Queued = true
	depth, err := s.queued.CountDocuments(ctx, scope)
	if err != nil {
		return res, fmt.Errorf("count queued: %w", err)
	}
	res.Depth = int(depth)
	return res, nil
}

func (s *Store) DequeueMatching(ctx context.Context, instanceID, event, correlationKey string) (*store.QueuedEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := queueScope(event, instanceID)
	filter["$or"] = bson.A{
		bson.M{"expires_at": time.Time{}},
		bson.M{"expires_at": bson.M{"$gte": s.clk.Now()}},
	}
	if correlationKey != "" {
		filter["correlation_key"] = correlationKey
	}
	var ev store.QueuedEvent
	err := s.queued.FindOneAndDelete(ctx, filter,
		options.FindOneAndDelete().SetSort(bson.D{{Key: "enqueued_at", Value: 1}}),
	).Decode(&ev)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue event: %w", err)
	}
	return &ev, nil
}

func (s *Store) PurgeExpiredQueued(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.queued.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$gt": time.Time{}, "$lt": s.clk.Now()}})
	if err != nil {
		return 0, fmt.Errorf("purge queued: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) SeenPublisherKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clk.Now()
	// The filter matches only an expired row, so a live row forces the
	// upsert into an _id collision, which is the "seen" signal.
	_, err := s.pubKeys.ReplaceOne(ctx,
		bson.M{"_id": key, "expires_at": bson.M{"$lte": now}},
		publisherKeyDocument{Key: key, SeenAt: now, ExpiresAt: now.Add(ttl)},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return true, nil
		}
		return false, fmt.Errorf("record publisher key: %w", err)
	}
	return false, nil
}

func (s *Store) PurgePublisherKeys(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.pubKeys.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": s.clk.Now()}})
	if err != nil {
		return 0, fmt.Errorf("purge publisher keys: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clk.Now()
	_, err := s.leases.ReplaceOne(ctx,
		bson.M{"_id": instanceID, "$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": now}},
		}},
		leaseDocument{InstanceID: instanceID, Owner: owner, ExpiresAt: now.Add(ttl)},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return true, nil
}

func (s *Store) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clk.Now()
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": instanceID, "owner": owner, "expires_at": bson.M{"$gt": now}},
		bson.M{"$set": bson.M{"expires_at": now.Add(ttl)}},
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *Store) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.leases.DeleteOne(ctx, bson.M{"_id": instanceID, "owner": owner}); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *Store) MoveToDLQ(ctx context.Context, e store.DLQEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.MovedAt.IsZero() {
		e.MovedAt = s.clk.Now()
	}
	if _, err := s.dlq.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("move to dlq: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(ctx context.Context) ([]store.DLQEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.dlq.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "moved_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.DLQEntry
	for cur.Next(ctx) {
		var e store.DLQEntry
		if err := cur.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode dlq entry: %w", err)
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

func (s *Store) TakeDLQ(ctx context.Context, instanceID string) (*store.DLQEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var e store.DLQEntry
	err := s.dlq.FindOneAndDelete(ctx,
		bson.M{"instance_id": instanceID, "dropped_event": bson.M{"$exists": false}},
		options.FindOneAndDelete().SetSort(bson.D{{Key: "moved_at", Value: 1}}),
	).Decode(&e)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take dlq entry: %w", err)
	}
	return &e, nil
}

func (s *Store) PurgeDLQ(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.dlq.DeleteMany(ctx, bson.M{"moved_at": bson.M{"$lt": olderThan}})
	if err != nil {
		return 0, fmt.Errorf("purge dlq: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap store.Snapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if _, err := s.snapshots.ReplaceOne(ctx, bson.M{"_id": snap.ID}, snap, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (store.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var snap store.Snapshot
	err := s.snapshots.FindOne(ctx, bson.M{"_id": id}).Decode(&snap)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, instanceID string) ([]store.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.snapshots.Find(ctx, bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "taken_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.Snapshot
	for cur.Next(ctx) {
		var snap store.Snapshot
		if err := cur.Decode(&snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, cur.Err()
}

func (s *Store) PurgeSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.snapshots.DeleteMany(ctx, bson.M{"taken_at": bson.M{"$lt": olderThan}})
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	return int(res.DeletedCount), nil
}

// queueScope matches one event name within one delivery scope. Events
// published by correlation have no instance_id; nil in the $in set matches
// the absent field.
func queueScope(event, instanceID string) bson.M {
	if instanceID == "" {
		return bson.M{"event": event, "instance_id": bson.M{"$in": bson.A{nil, ""}}}
	}
	return bson.M{"event": event, "instance_id": instanceID}
}
