package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
	clientsmongo "github.com/pitchlane/flow/features/store/mongo/clients/mongo"
)

func (s *Store) FindWaiters(ctx context.Context, event, correlationKey string) ([]store.PendingWait, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// A wait with no correlation key accepts any publish of its event;
	// nil in the $in set matches documents where the field is absent.
	cur, err := s.waits.Find(ctx,
		bson.M{"event": event, "correlation_key": bson.M{"$in": bson.A{nil, "", correlationKey}}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find waiters: %w", err)
	}
	return decodeWaits(ctx, cur)
}

func (s *Store) GetWait(ctx context.Context, instanceID, key string) (*store.PendingWait, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.instanceExists(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.findWait(ctx, instanceID, key)
}

func (s *Store) ListWaits(ctx context.Context, instanceID string) ([]store.PendingWait, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.instanceExists(ctx, instanceID); err != nil {
		return nil, err
	}
	cur, err := s.waits.Find(ctx, bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "key", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list waits: %w", err)
	}
	return decodeWaits(ctx, cur)
}

func (s *Store) SatisfyWait(ctx context.Context, instanceID, key string, entry journal.Entry) (*journal.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := s.loadInstanceDoc(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	w, err := s.findWait(ctx, instanceID, key)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, nil
	}
	if doc.Status.Terminal() {
		return nil, store.ErrTerminal
	}
	claimed, err := s.claimWait(ctx, instanceID, key)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}
	if claimed.TimerID != "" {
		if _, err := s.timers.DeleteOne(ctx, bson.M{"_id": claimed.TimerID}); err != nil {
			return nil, fmt.Errorf("delete wait timer: %w", err)
		}
	}
	return s.appendOutOfBand(ctx, instanceID, entry, -1)
}

func (s *Store) TimeoutWait(ctx context.Context, instanceID, key, timerID string, entry journal.Entry) (*journal.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := s.loadInstanceDoc(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	w, err := s.findWait(ctx, instanceID, key)
	if err != nil {
		return nil, err
	}
	if w == nil {
		if _, err := s.timers.DeleteOne(ctx, bson.M{"_id": timerID}); err != nil {
			return nil, fmt.Errorf("delete timer: %w", err)
		}
		return nil, nil
	}
	if doc.Status.Terminal() {
		return nil, store.ErrTerminal
	}
	claimed, err := s.claimWait(ctx, instanceID, key)
	if err != nil {
		return nil, err
	}
	if _, err := s.timers.DeleteOne(ctx, bson.M{"_id": timerID}); err != nil {
		return nil, fmt.Errorf("delete timer: %w", err)
	}
	if claimed == nil {
		return nil, nil
	}
	return s.appendOutOfBand(ctx, instanceID, entry, -1)
}

func (s *Store) InsertTimer(ctx context.Context, t store.PendingTimer) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.timers.ReplaceOne(ctx, bson.M{"_id": t.ID}, t, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("insert timer: %w", err)
	}
	return nil
}

func (s *Store) DeleteTimer(ctx context.Context, timerID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.timers.DeleteOne(ctx, bson.M{"_id": timerID})
	if err != nil {
		return false, fmt.Errorf("delete timer: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) ListTimers(ctx context.Context) ([]store.PendingTimer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.timers.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.PendingTimer
	for cur.Next(ctx) {
		var t store.PendingTimer
		if err := cur.Decode(&t); err != nil {
			return nil, fmt.Errorf("decode timer: %w", err)
		}
		out = append(out, t)
	}
	return out, cur.Err()
}

func (s *Store) FireSleep(ctx context.Context, instanceID, timerID string, entry journal.Entry) (*journal.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.timers.FindOne(ctx, bson.M{"_id": timerID}, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load timer: %w", err)
	}
	doc, err := s.loadInstanceDoc(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if doc.Status.Terminal() {
		if _, err := s.timers.DeleteOne(ctx, bson.M{"_id": timerID}); err != nil {
			return nil, fmt.Errorf("delete timer: %w", err)
		}
		return nil, nil
	}
	claim := s.timers.FindOneAndDelete(ctx, bson.M{"_id": timerID})
	if err := claim.Err(); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim timer: %w", err)
	}
	return s.appendOutOfBand(ctx, instanceID, entry, -1)
}

func (s *Store) RequestCancel(ctx context.Context, instanceID string, entry journal.Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := s.loadInstanceDoc(ctx, instanceID)
	if err != nil {
		return err
	}
	if doc.Status.Terminal() {
		return store.ErrTerminal
	}
	if doc.CancelRequested {
		return nil
	}
	var after instanceDocument
	err = s.instances.FindOneAndUpdate(ctx,
		bson.M{"_id": instanceID, "cancel_requested": false, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{
			"$inc": bson.M{"log_head": 1},
			"$set": bson.M{"cancel_requested": true, "status": journal.StatusRunning, "last_log_at": entry.Timestamp},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&after)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		doc, lerr := s.loadInstanceDoc(ctx, instanceID)
		if lerr != nil {
			return lerr
		}
		if doc.Status.Terminal() {
			return store.ErrTerminal
		}
		// A concurrent cancel claimed the flag; its entry stands.
		return nil
	}
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	entry.Ordinal = after.LogHead
	entry.InstanceID = instanceID
	if _, err := s.entries.InsertOne(ctx, entry); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("append cancel entry: %w", err)
	}
	return nil
}

// appendOutOfBand advances the instance row's log head by one, appends the
// stamped entry, and recomputes the row status. The row is the ordinal
// allocator for appends outside a cycle; the journal's unique index still
// rejects an allocation raced by a stale row.
func (s *Store) appendOutOfBand(ctx context.Context, instanceID string, entry journal.Entry, suspDelta int) (*journal.Entry, error) {
	inc := bson.M{"log_head": 1}
	if suspDelta != 0 {
		inc["open_suspensions"] = suspDelta
	}
	var doc instanceDocument
	err := s.instances.FindOneAndUpdate(ctx,
		bson.M{"_id": instanceID, "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$inc": inc, "$set": bson.M{"last_log_at": entry.Timestamp}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		if _, lerr := s.loadInstanceDoc(ctx, instanceID); lerr != nil {
			return nil, lerr
		}
		return nil, store.ErrTerminal
	}
	if err != nil {
		return nil, fmt.Errorf("advance log head: %w", err)
	}
	entry.Ordinal = doc.LogHead
	entry.InstanceID = instanceID
	if _, err := s.entries.InsertOne(ctx, entry); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, store.ErrConflict
		}
		return nil, fmt.Errorf("append entry: %w", err)
	}
	if status := derivedStatus(doc); status != doc.Status {
		// Fenced on the head this append owns so a stale writer never
		// clobbers a later recompute.
		_, err := s.instances.UpdateOne(ctx,
			bson.M{"_id": instanceID, "log_head": doc.LogHead},
			bson.M{"$set": bson.M{"status": status}},
		)
		if err != nil {
			return nil, fmt.Errorf("recompute status: %w", err)
		}
	}
	return &entry, nil
}

func derivedStatus(doc instanceDocument) journal.Status {
	switch {
	case doc.CancelRequested:
		return journal.StatusRunning
	case doc.OpenSuspensions > 0:
		return journal.StatusSuspended
	default:
		return journal.StatusRunning
	}
}

func (s *Store) findWait(ctx context.Context, instanceID, key string) (*store.PendingWait, error) {
	var w store.PendingWait
	err := s.waits.FindOne(ctx, bson.M{"instance_id": instanceID, "key": key}).Decode(&w)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load wait: %w", err)
	}
	return &w, nil
}

func (s *Store) claimWait(ctx context.Context, instanceID, key string) (*store.PendingWait, error) {
	var w store.PendingWait
	err := s.waits.FindOneAndDelete(ctx, bson.M{"instance_id": instanceID, "key": key}).Decode(&w)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim wait: %w", err)
	}
	return &w, nil
}

func decodeWaits(ctx context.Context, cur clientsmongo.Cursor) ([]store.PendingWait, error) {
	defer cur.Close(ctx)
	var out []store.PendingWait
	for cur.Next(ctx) {
		var w store.PendingWait
		if err := cur.Decode(&w); err != nil {
			return nil, fmt.Errorf("decode wait: %w", err)
		}
		out = append(out, w)
	}
	return out, cur.Err()
}
