package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
)

// In-memory store fakes for worker and reconciler tests.

type fakeEventStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*v1.Event
	byKey  map[string]uuid.UUID
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		events: make(map[uuid.UUID]*v1.Event),
		byKey:  make(map[string]uuid.UUID),
	}
}

func (s *fakeEventStore) key(e *v1.Event) string {
	return e.Provider + "|" + e.InstanceID + "|" + e.IdempotencyKey
}

func (s *fakeEventStore) SaveEvent(_ context.Context, event *v1.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byKey[s.key(event)]; dup {
		return storage.ErrDuplicate
	}
	cp := *event
	s.events[event.ID] = &cp
	s.byKey[s.key(event)] = event.ID
	return nil
}

func (s *fakeEventStore) UpdateEventStatus(_ context.Context, eventID uuid.UUID, status v1.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return storage.ErrNotFound
	}
	e.Status = status
	return nil
}

func (s *fakeEventStore) SetGuardReason(_ context.Context, eventID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return storage.ErrNotFound
	}
	e.SetMetadata(v1.MetaGuardReason, reason)
	return nil
}

func (s *fakeEventStore) GetEvent(_ context.Context, eventID uuid.UUID) (*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeEventStore) ListEventsByIdentity(_ context.Context, identityID uuid.UUID, start, end time.Time, limit int) ([]*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Event
	for _, e := range s.events {
		if e.SenderIdentityID != nil && *e.SenderIdentityID == identityID &&
			!e.ProviderTimestamp.Before(start) && e.ProviderTimestamp.Before(end) {
			cp := *e
			out = append(out, &cp)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeEventStore) ListEventsByInstance(_ context.Context, instanceID string, start, end time.Time, limit int) ([]*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Event
	for _, e := range s.events {
		if e.InstanceID == instanceID &&
			!e.ProviderTimestamp.Before(start) && e.ProviderTimestamp.Before(end) {
			cp := *e
			out = append(out, &cp)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeEventStore) ListStaleReceived(_ context.Context, cutoff time.Time, limit int) ([]*v1.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Event
	for _, e := range s.events {
		if e.Status == v1.StatusReceived && e.ReceivedAt.Before(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeEventStore) status(eventID uuid.UUID) v1.EventStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[eventID].Status
}

func (s *fakeEventStore) guardReason(eventID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.events[eventID].Metadata[v1.MetaGuardReason].(string)
	return r
}

// fakeQueueStore mirrors the adapter's lease fencing: terminal operations
// only land while the caller still holds the item's lease.
type fakeQueueStore struct {
	mu           sync.Mutex
	items        map[uuid.UUID]*v1.QueueItem
	leases       map[uuid.UUID]string
	leaseRenewed int
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		items:  make(map[uuid.UUID]*v1.QueueItem),
		leases: make(map[uuid.UUID]string),
	}
}

// holdsLease reports whether workerID may act on an in-flight item.
// Callers must hold s.mu.
func (s *fakeQueueStore) holdsLease(it *v1.QueueItem, workerID string) bool {
	return it.State == v1.QueueStateInFlight && s.leases[it.ID] == workerID
}

func (s *fakeQueueStore) Enqueue(_ context.Context, eventID uuid.UUID, instanceID string) (*v1.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.EventID == eventID {
			return nil, storage.ErrDuplicate
		}
	}
	item := &v1.QueueItem{
		ID:            uuid.New(),
		EventID:       eventID,
		InstanceID:    instanceID,
		State:         v1.QueueStateQueued,
		NextVisibleAt: time.Now().UTC(),
		EnqueuedAt:    time.Now().UTC(),
	}
	s.items[item.ID] = item
	return item, nil
}

func (s *fakeQueueStore) Dequeue(_ context.Context, workerID string, lease time.Duration) (*v1.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var oldest *v1.QueueItem
	for _, it := range s.items {
		if it.State != v1.QueueStateQueued || it.NextVisibleAt.After(now) {
			continue
		}
		if oldest == nil || it.NextVisibleAt.Before(oldest.NextVisibleAt) {
			oldest = it
		}
	}
	if oldest == nil {
		return nil, storage.ErrEmptyQueue
	}
	oldest.State = v1.QueueStateInFlight
	oldest.AttemptCount++
	oldest.NextVisibleAt = now.Add(lease)
	s.leases[oldest.ID] = workerID
	cp := *oldest
	return &cp, nil
}

func (s *fakeQueueStore) Ack(_ context.Context, itemID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || !s.holdsLease(it, workerID) {
		return storage.ErrNotFound
	}
	it.State = v1.QueueStateDone
	delete(s.leases, itemID)
	return nil
}

func (s *fakeQueueStore) Nack(_ context.Context, itemID uuid.UUID, workerID, lastError string, nextVisibleAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || !s.holdsLease(it, workerID) {
		return storage.ErrNotFound
	}
	it.State = v1.QueueStateQueued
	it.LastError = lastError
	it.NextVisibleAt = nextVisibleAt
	delete(s.leases, itemID)
	return nil
}

func (s *fakeQueueStore) ExtendLease(_ context.Context, itemID uuid.UUID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || !s.holdsLease(it, workerID) {
		return storage.ErrNotFound
	}
	it.NextVisibleAt = time.Now().UTC().Add(lease)
	s.leaseRenewed++
	return nil
}

func (s *fakeQueueStore) MarkDeadLetter(_ context.Context, itemID uuid.UUID, workerID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || !s.holdsLease(it, workerID) {
		return storage.ErrNotFound
	}
	it.State = v1.QueueStateDeadLetter
	it.LastError = lastError
	delete(s.leases, itemID)
	return nil
}

func (s *fakeQueueStore) RequeueDeadLetter(_ context.Context, eventID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.EventID == eventID && it.State == v1.QueueStateDeadLetter {
			it.State = v1.QueueStateQueued
			it.AttemptCount = 0
			it.NextVisibleAt = time.Now().UTC()
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *fakeQueueStore) ReapExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.State == v1.QueueStateInFlight && it.NextVisibleAt.Before(now) {
			it.State = v1.QueueStateQueued
			delete(s.leases, it.ID)
			n++
		}
	}
	return n, nil
}

func (s *fakeQueueStore) item(itemID uuid.UUID) v1.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[itemID]
}

// backdate moves an item's visibility horizon into the past: an in-flight
// item becomes reapable, a queued item becomes immediately dequeuable.
func (s *fakeQueueStore) backdate(itemID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[itemID].NextVisibleAt = time.Now().UTC().Add(-time.Second)
}

func (s *fakeQueueStore) renewals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseRenewed
}

type fakeIdentityStore struct {
	mu         sync.Mutex
	identities map[uuid.UUID]*v1.Identity
	handles    map[string]*v1.Handle
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{
		identities: make(map[uuid.UUID]*v1.Identity),
		handles:    make(map[string]*v1.Handle),
	}
}

func handleKey(provider, externalID, instanceID string) string {
	return provider + "|" + externalID + "|" + instanceID
}

func (s *fakeIdentityStore) FindHandle(_ context.Context, provider, externalID, instanceID string) (*v1.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[handleKey(provider, externalID, instanceID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *fakeIdentityStore) CreateIdentityWithHandle(_ context.Context, identity *v1.Identity, handle *v1.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := handleKey(handle.Provider, handle.ExternalID, handle.InstanceID)
	if _, taken := s.handles[key]; taken {
		return storage.ErrHandleConflict
	}
	ic := *identity
	hc := *handle
	s.identities[identity.ID] = &ic
	s.handles[key] = &hc
	return nil
}

func (s *fakeIdentityStore) GetIdentity(_ context.Context, identityID uuid.UUID) (*v1.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *id
	return &cp, nil
}

type fakeDeadLetterStore struct {
	mu      sync.Mutex
	letters map[uuid.UUID]*v1.DeadLetter
}

func newFakeDeadLetterStore() *fakeDeadLetterStore {
	return &fakeDeadLetterStore{letters: make(map[uuid.UUID]*v1.DeadLetter)}
}

func (s *fakeDeadLetterStore) SaveDeadLetter(_ context.Context, dl *v1.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dl
	s.letters[dl.ID] = &cp
	return nil
}

func (s *fakeDeadLetterStore) GetDeadLetter(_ context.Context, id uuid.UUID) (*v1.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.letters[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

func (s *fakeDeadLetterStore) ListDeadLetters(_ context.Context, instanceID string, limit int) ([]*v1.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.DeadLetter
	for _, dl := range s.letters {
		if instanceID != "" && dl.InstanceID != instanceID {
			continue
		}
		cp := *dl
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeDeadLetterStore) MarkReplayed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.letters[id]
	if !ok {
		return storage.ErrNotFound
	}
	dl.ReplayedAt = &at
	return nil
}

func (s *fakeDeadLetterStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters)
}

func (s *fakeDeadLetterStore) forEvent(eventID uuid.UUID) *v1.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.letters {
		if dl.EventID == eventID {
			cp := *dl
			return &cp
		}
	}
	return nil
}

type fakeTelemetryStore struct {
	mu      sync.Mutex
	records []*v1.TelemetryRecord
}

func (s *fakeTelemetryStore) SaveTelemetry(_ context.Context, rec *v1.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

// all returns the saved records in emission order.
func (s *fakeTelemetryStore) all() []v1.TelemetryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.TelemetryRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}
