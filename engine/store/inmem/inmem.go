// Package inmem provides an in-memory Store for tests, the quickstart, and
// single-process deployments. All operations are guarded by one mutex and
// every returned record is a copy callers may mutate freely.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitchlane/flow/engine/clock"
	"github.com/pitchlane/flow/engine/faults"
	"github.com/pitchlane/flow/engine/journal"
	"github.com/pitchlane/flow/engine/store"
)

// Store implements store.Store backed by process memory.
type Store struct {
	clk clock.Clock

	mu         sync.Mutex
	instances  map[string]*instanceState
	idemKeys   map[string]string // idempotency key -> instance ID
	timers     map[string]store.PendingTimer
	queued     []store.QueuedEvent
	pubKeys    map[string]pubKey
	dlq        []store.DLQEntry
	snapshots  map[string]store.Snapshot
	leases     map[string]lease
}

type instanceState struct {
	inst    store.Instance
	entries []journal.Entry
	steps   map[string]store.StepRecord
	waits   map[string]store.PendingWait
}

type lease struct {
	owner     string
	expiresAt time.Time
}

type pubKey struct {
	seenAt    time.Time
	expiresAt time.Time
}

// New returns an empty Store. A nil clk defaults to the system clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System()
	}
	return &Store{
		clk:       clk,
		instances: make(map[string]*instanceState),
		idemKeys:  make(map[string]string),
		timers:    make(map[string]store.PendingTimer),
		pubKeys:   make(map[string]pubKey),
		snapshots: make(map[string]store.Snapshot),
		leases:    make(map[string]lease),
	}
}

func (s *Store) CreateInstance(_ context.Context, inst store.Instance, entries []journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return &store.DuplicateKeyError{ExistingID: inst.ID}
	}
	if inst.IdempotencyKey != "" {
		if existing, ok := s.idemKeys[inst.IdempotencyKey]; ok {
			return &store.DuplicateKeyError{ExistingID: existing}
		}
	}
	now := s.clk.Now()
	st := &instanceState{
		inst:  copyInstance(inst),
		steps: make(map[string]store.StepRecord),
		waits: make(map[string]store.PendingWait),
	}
	for i, e := range entries {
		e.Ordinal = uint64(i + 1)
		st.entries = append(st.entries, copyEntry(e))
	}
	st.inst.LogHead = uint64(len(entries))
	if st.inst.CreatedAt.IsZero() {
		st.inst.CreatedAt = now
	}
	st.inst.UpdatedAt = now
	if len(entries) > 0 {
		st.inst.LastLogAt = entries[len(entries)-1].Timestamp
	} else if st.inst.LastLogAt.IsZero() {
		st.inst.LastLogAt = now
	}
	s.instances[inst.ID] = st
	if inst.IdempotencyKey != "" {
		s.idemKeys[inst.IdempotencyKey] = inst.ID
	}
	return nil
}

func (s *Store) LoadInstance(_ context.Context, id string) (store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[id]
	if !ok {
		return store.Instance{}, store.ErrNotFound
	}
	return copyInstance(st.inst), nil
}

func (s *Store) ListInstances(_ context.Context, f store.InstanceFilter) ([]store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Instance
	for _, st := range s.instances {
		if f.Kind != "" && st.inst.Kind != f.Kind {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, st.inst.Status) {
			continue
		}
		if !f.LastLogBefore.IsZero() && !st.inst.LastLogAt.Before(f.LastLogBefore) {
			continue
		}
		out = append(out, copyInstance(st.inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) FindByCorrelation(_ context.Context, value string) ([]store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Instance
	for _, st := range s.instances {
		if st.inst.Status.Terminal() {
			continue
		}
		for _, v := range st.inst.CorrelationKeys {
			if v == value {
				out = append(out, copyInstance(st.inst))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AppendCycle(_ context.Context, up store.CycleUpdate) ([]journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[up.InstanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if st.inst.Status.Terminal() {
		return nil, store.ErrTerminal
	}
	if st.inst.LogHead != up.ExpectedHead {
		return nil, store.ErrConflict
	}

	stamped := make([]journal.Entry, 0, len(up.Entries))
	next := up.ExpectedHead
	for _, e := range up.Entries {
		next++
		e.Ordinal = next
		e.InstanceID = up.InstanceID
		stamped = append(stamped, copyEntry(e))
	}
	st.entries = append(st.entries, stamped...)
	st.inst.LogHead = next

	for _, rec := range up.Steps {
		rec.InstanceID = up.InstanceID
		st.steps[rec.Key()] = copyStep(rec)
	}
	for _, id := range up.DeleteTimers {
		delete(s.timers, id)
	}
	for _, t := range up.PutTimers {
		s.timers[t.ID] = t
	}
	for _, key := range up.DeleteWaits {
		delete(st.waits, key)
	}
	for _, w := range up.PutWaits {
		w.InstanceID = up.InstanceID
		st.waits[w.Key] = copyWait(w)
	}

	st.inst.Status = up.Instance.Status
	st.inst.State = up.Instance.State
	st.inst.Output = cloneRaw(up.Instance.Output)
	st.inst.Failure = copyFailure(up.Instance.Failure)
	st.inst.OpenSuspensions = up.Instance.OpenSuspensions
	if up.Instance.KindVersion != "" {
		st.inst.KindVersion = up.Instance.KindVersion
	}
	st.inst.UpdatedAt = s.clk.Now()
	if len(stamped) > 0 {
		st.inst.LastLogAt = stamped[len(stamped)-1].Timestamp
	}

	out := make([]journal.Entry, len(stamped))
	for i, e := range stamped {
		out[i] = copyEntry(e)
	}
	return out, nil
}

func (s *Store) Journal(_ context.Context, id string, fromOrdinal uint64, limit int) (journal.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[id]
	if !ok {
		return journal.Page{}, store.ErrNotFound
	}
	if fromOrdinal == 0 {
		fromOrdinal = 1
	}
	var page journal.Page
	for _, e := range st.entries {
		if e.Ordinal < fromOrdinal {
			continue
		}
		if limit > 0 && len(page.Entries) == limit {
			page.NextOrdinal = e.Ordinal
			break
		}
		page.Entries = append(page.Entries, copyEntry(e))
	}
	return page, nil
}

func (s *Store) StepRecords(_ context.Context, id string) ([]store.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.StepRecord, 0, len(st.steps))
	for _, rec := range st.steps {
		out = append(out, copyStep(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

func (s *Store) FindWaiters(_ context.Context, event, correlationKey string) ([]store.PendingWait, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PendingWait
	for _, st := range s.instances {
		for _, w := range st.waits {
			if w.Event != event {
				continue
			}
			if w.CorrelationKey != "" && w.CorrelationKey != correlationKey {
				continue
			}
			out = append(out, copyWait(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetWait(_ context.Context, instanceID, key string) (*store.PendingWait, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	w, ok := st.waits[key]
	if !ok {
		return nil, nil
	}
	cp := copyWait(w)
	return &cp, nil
}

func (s *Store) ListWaits(_ context.Context, instanceID string) ([]store.PendingWait, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.PendingWait, 0, len(st.waits))
	for _, w := range st.waits {
		out = append(out, copyWait(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) SatisfyWait(_ context.Context, instanceID, key string, entry journal.Entry) (*journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	w, ok := st.waits[key]
	if !ok {
		return nil, nil
	}
	if st.inst.Status.Terminal() {
		return nil, store.ErrTerminal
	}
	delete(st.waits, key)
	if w.TimerID != "" {
		delete(s.timers, w.TimerID)
	}
	stamped := s.appendLocked(st, entry)
	st.inst.OpenSuspensions--
	s.recomputeStatusLocked(st)
	return &stamped, nil
}

func (s *Store) TimeoutWait(_ context.Context, instanceID, key, timerID string, entry journal.Entry) (*journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := st.waits[key]; !ok {
		delete(s.timers, timerID)
		return nil, nil
	}
	if st.inst.Status.Terminal() {
		return nil, store.ErrTerminal
	}
	delete(st.waits, key)
	delete(s.timers, timerID)
	stamped := s.appendLocked(st, entry)
	st.inst.OpenSuspensions--
	s.recomputeStatusLocked(st)
	return &stamped, nil
}

func (s *Store) EnqueueEvent(_ context.Context, ev store.QueuedEvent, perNameLimit int) (store.QueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	var res store.QueueResult
	if perNameLimit > 0 {
		depth := 0
		oldest := -1
		for i, q := range s.queued {
			if q.Event == ev.Event && q.InstanceID == ev.InstanceID {
				depth++
				if oldest < 0 || s.queued[i].EnqueuedAt.Before(s.queued[oldest].EnqueuedAt) {
					oldest = i
				}
			}
		}
		if depth >= perNameLimit && oldest >= 0 {
			dropped := s.queued[oldest]
			s.queued = append(s.queued[:oldest], s.queued[oldest+1:]...)
			res.DroppedOldest = &dropped
			s.dlq = append(s.dlq, store.DLQEntry{
				ID:           uuid.NewString(),
				InstanceID:   dropped.InstanceID,
				DroppedEvent: &dropped,
				MovedAt:      s.clk.Now(),
			})
		}
	}
	s.queued = append(s.queued, copyQueued(ev))
	res.Queued = true
	for _, q := range s.queued {
		if q.Event == ev.Event && q.InstanceID == ev.InstanceID {
			res.Depth++
		}
	}
	return res, nil
}

func (s *Store) DequeueMatching(_ context.Context, instanceID, event, correlationKey string) (*store.QueuedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	best := -1
	for i, q := range s.queued {
		if q.Event != event || q.InstanceID != instanceID {
			continue
		}
		if !q.ExpiresAt.IsZero() && q.ExpiresAt.Before(now) {
			continue
		}
		if correlationKey != "" && q.CorrelationKey != correlationKey {
			continue
		}
		if best < 0 || q.EnqueuedAt.Before(s.queued[best].EnqueuedAt) {
			best = i
		}
	}
	if best < 0 {
		return nil, nil
	}
	ev := s.queued[best]
	s.queued = append(s.queued[:best], s.queued[best+1:]...)
	cp := copyQueued(ev)
	return &cp, nil
}

func (s *Store) PurgeExpiredQueued(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	kept := s.queued[:0]
	dropped := 0
	for _, q := range s.queued {
		if !q.ExpiresAt.IsZero() && q.ExpiresAt.Before(now) {
			dropped++
			continue
		}
		kept = append(kept, q)
	}
	s.queued = kept
	return dropped, nil
}

func (s *Store) SeenPublisherKey(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if k, ok := s.pubKeys[key]; ok && k.expiresAt.After(now) {
		return true, nil
	}
	s.pubKeys[key] = pubKey{seenAt: now, expiresAt: now.Add(ttl)}
	return false, nil
}

func (s *Store) PurgePublisherKeys(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	dropped := 0
	for key, k := range s.pubKeys {
		if !k.expiresAt.After(now) {
			delete(s.pubKeys, key)
			dropped++
		}
	}
	return dropped, nil
}

func (s *Store) RequestCancel(_ context.Context, instanceID string, entry journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[instanceID]
	if !ok {
		return store.ErrNotFound
	}
	if st.inst.Status.Terminal() {
		return store.ErrTerminal
	}
	if st.inst.CancelRequested {
		return nil
	}
	s.appendLocked(st, entry)
	st.inst.CancelRequested = true
	st.inst.Status = journal.StatusRunning
	return nil
}

func (s *Store) InsertTimer(_ context.Context, t store.PendingTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[t.ID] = t
	return nil
}

func (s *Store) DeleteTimer(_ context.Context, timerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[timerID]; !ok {
		return false, nil
	}
	delete(s.timers, timerID)
	return true, nil
}

func (s *Store) ListTimers(_ context.Context) ([]store.PendingTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.PendingTimer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (s *Store) FireSleep(_ context.Context, instanceID, timerID string, entry journal.Entry) (*journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[timerID]; !ok {
		return nil, nil
	}
	st, ok := s.instances[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if st.inst.Status.Terminal() {
		delete(s.timers, timerID)
		return nil, nil
	}
	delete(s.timers, timerID)
	stamped := s.appendLocked(st, entry)
	st.inst.OpenSuspensions--
	s.recomputeStatusLocked(st)
	return &stamped, nil
}

func (s *Store) AcquireLease(_ context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	if l, ok := s.leases[instanceID]; ok && l.owner != owner && l.expiresAt.After(now) {
		return false, nil
	}
	s.leases[instanceID] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) RenewLease(_ context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	l, ok := s.leases[instanceID]
	if !ok || l.owner != owner || !l.expiresAt.After(now) {
		return false, nil
	}
	s.leases[instanceID] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLease(_ context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[instanceID]; ok && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

func (s *Store) MoveToDLQ(_ context.Context, e store.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.MovedAt.IsZero() {
		e.MovedAt = s.clk.Now()
	}
	s.dlq = append(s.dlq, e)
	return nil
}

func (s *Store) ListDLQ(_ context.Context) ([]store.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.DLQEntry, len(s.dlq))
	copy(out, s.dlq)
	sort.Slice(out, func(i, j int) bool { return out[i].MovedAt.Before(out[j].MovedAt) })
	return out, nil
}

func (s *Store) TakeDLQ(_ context.Context, instanceID string) (*store.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.dlq {
		if e.InstanceID == instanceID && e.DroppedEvent == nil {
			s.dlq = append(s.dlq[:i], s.dlq[i+1:]...)
			return &e, nil
		}
	}
	return nil, nil
}

func (s *Store) PurgeDLQ(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.dlq[:0]
	dropped := 0
	for _, e := range s.dlq {
		if e.MovedAt.Before(olderThan) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	s.dlq = kept
	return dropped, nil
}

func (s *Store) PutSnapshot(_ context.Context, snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	s.snapshots[snap.ID] = snap
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, id string) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}

func (s *Store) ListSnapshots(_ context.Context, instanceID string) ([]store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Snapshot
	for _, snap := range s.snapshots {
		if snap.InstanceID == instanceID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	return out, nil
}

func (s *Store) PurgeSnapshots(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, snap := range s.snapshots {
		if snap.TakenAt.Before(olderThan) {
			delete(s.snapshots, id)
			dropped++
		}
	}
	return dropped, nil
}

// appendLocked stamps and appends one out-of-band entry. Caller holds the
// lock and has verified the instance is not terminal. UpdatedAt is left
// alone: only cycle commits rematerialise the row, and the gap between
// LastLogAt and UpdatedAt is how the recovery scan spots appends no cycle
// has consumed yet.
func (s *Store) appendLocked(st *instanceState, e journal.Entry) journal.Entry {
	st.inst.LogHead++
	e.Ordinal = st.inst.LogHead
	e.InstanceID = st.inst.ID
	st.entries = append(st.entries, copyEntry(e))
	st.inst.LastLogAt = e.Timestamp
	return e
}

func (s *Store) recomputeStatusLocked(st *instanceState) {
	if st.inst.Status.Terminal() {
		return
	}
	switch {
	case st.inst.CancelRequested:
		st.inst.Status = journal.StatusRunning
	case st.inst.OpenSuspensions > 0:
		st.inst.Status = journal.StatusSuspended
	default:
		st.inst.Status = journal.StatusRunning
	}
}

func containsStatus(statuses []journal.Status, s journal.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func copyInstance(in store.Instance) store.Instance {
	out := in
	out.Input = cloneRaw(in.Input)
	out.Output = cloneRaw(in.Output)
	out.Failure = copyFailure(in.Failure)
	if in.CorrelationKeys != nil {
		out.CorrelationKeys = make(map[string]string, len(in.CorrelationKeys))
		for k, v := range in.CorrelationKeys {
			out.CorrelationKeys[k] = v
		}
	}
	return out
}

func copyEntry(e journal.Entry) journal.Entry {
	out := e
	out.Payload = cloneRaw(e.Payload)
	return out
}

func copyStep(r store.StepRecord) store.StepRecord {
	out := r
	out.Input = cloneRaw(r.Input)
	out.Output = cloneRaw(r.Output)
	out.Failure = copyFailure(r.Failure)
	return out
}

func copyWait(w store.PendingWait) store.PendingWait {
	out := w
	if w.Deadline != nil {
		d := *w.Deadline
		out.Deadline = &d
	}
	out.Reviewers = append([]string(nil), w.Reviewers...)
	return out
}

func copyQueued(q store.QueuedEvent) store.QueuedEvent {
	out := q
	out.Payload = cloneRaw(q.Payload)
	return out
}

func copyFailure(f *faults.Info) *faults.Info {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
