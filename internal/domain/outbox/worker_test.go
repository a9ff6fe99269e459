package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcore/internal/core/id"
)

// fakeStore mimics the claim/ack protocol in memory.
type fakeStore struct {
	mu     sync.Mutex
	events map[id.ID]*Event

	markPublishedErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: make(map[id.ID]*Event)}
}

func (s *fakeStore) add(tenantID id.ID, eventType string) id.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := &Event{
		ID:        id.New(),
		TenantID:  tenantID,
		EventType: eventType,
		Payload:   []byte(`{}`),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	s.events[ev.ID] = ev
	return ev.ID
}

func (s *fakeStore) Claim(ctx context.Context, batchSize int, staleAfter time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var claimable []*Event
	for _, ev := range s.events {
		switch {
		case ev.Status == StatusPending:
			claimable = append(claimable, ev)
		case ev.Status == StatusInProgress && ev.ClaimedAt != nil && now.Sub(*ev.ClaimedAt) > staleAfter:
			claimable = append(claimable, ev)
		}
	}
	sort.Slice(claimable, func(i, j int) bool {
		return claimable[i].CreatedAt.Before(claimable[j].CreatedAt)
	})
	if len(claimable) > batchSize {
		claimable = claimable[:batchSize]
	}

	out := make([]Event, 0, len(claimable))
	for _, ev := range claimable {
		ev.Status = StatusInProgress
		claimed := now
		ev.ClaimedAt = &claimed
		out = append(out, *ev)
	}
	return out, nil
}

func (s *fakeStore) MarkPublished(ctx context.Context, eventID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markPublishedErr != nil {
		return s.markPublishedErr
	}
	ev := s.events[eventID]
	if ev.Status == StatusInProgress {
		ev.Status = StatusPublished
		now := time.Now().UTC()
		ev.PublishedAt = &now
	}
	return nil
}

func (s *fakeStore) RecordFailure(ctx context.Context, eventID id.ID, terminal bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events[eventID]
	ev.RetryCount++
	ev.ErrorMessage = &message
	if terminal {
		ev.Status = StatusFailed
	}
	return nil
}

func (s *fakeStore) get(eventID id.ID) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[eventID]
}

type fakeBus struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (b *fakeBus) Publish(ctx context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.subjects = append(b.subjects, subject)
	return nil
}

func TestProcessBatch_PublishesAndMarks(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	worker := NewWorker(store, bus, WorkerConfig{SubjectPrefix: "inventory"})

	tenantID := id.New()
	evID := store.add(tenantID, EventDocumentPosted)

	n, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev := store.get(evID)
	assert.Equal(t, StatusPublished, ev.Status)
	require.NotNil(t, ev.PublishedAt)

	require.Len(t, bus.subjects, 1)
	assert.Equal(t, "inventory."+tenantID.String()+"."+EventDocumentPosted, bus.subjects[0])
}

func TestProcessBatch_FailureBumpsRetry(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{err: errors.New("broker down")}
	worker := NewWorker(store, bus, WorkerConfig{MaxRetries: 3})

	evID := store.add(id.New(), EventDocumentPosted)

	n, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ev := store.get(evID)
	assert.Equal(t, StatusInProgress, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	require.NotNil(t, ev.ErrorMessage)
	assert.Equal(t, "broker down", *ev.ErrorMessage)
}

func TestProcessBatch_TerminalFailureParksEvent(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{err: errors.New("broker down")}
	worker := NewWorker(store, bus, WorkerConfig{
		PollInterval: time.Millisecond,
		MaxRetries:   3,
	})
	ctx := context.Background()

	evID := store.add(id.New(), EventStockAdjusted)

	// Claims are re-attempted once the stale window passes.
	for i := 0; i < 3; i++ {
		_, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	ev := store.get(evID)
	assert.Equal(t, StatusFailed, ev.Status)
	assert.Equal(t, 3, ev.RetryCount)
}

func TestProcessBatch_FailedEventIsNeverReclaimed(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	worker := NewWorker(store, bus, WorkerConfig{PollInterval: time.Millisecond})

	evID := store.add(id.New(), EventDocumentPosted)
	require.NoError(t, store.RecordFailure(context.Background(), evID, true, "poison message"))

	n, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, bus.subjects)
}

func TestProcessBatch_MarkPublishedFailureLeavesInProgress(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	worker := NewWorker(store, bus, WorkerConfig{PollInterval: time.Millisecond})

	evID := store.add(id.New(), EventDocumentPosted)
	store.markPublishedErr = errors.New("connection reset")

	n, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The publish went out; the row stays in_progress for re-claim and
	// eventual duplicate delivery.
	assert.Len(t, bus.subjects, 1)
	ev := store.get(evID)
	assert.Equal(t, StatusInProgress, ev.Status)

	store.markPublishedErr = nil
	time.Sleep(5 * time.Millisecond)
	n, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusPublished, store.get(evID).Status)
}

func TestProcessBatch_RespectsBatchSize(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	worker := NewWorker(store, bus, WorkerConfig{BatchSize: 2})

	tenantID := id.New()
	for i := 0; i < 5; i++ {
		store.add(tenantID, EventDocumentPosted)
	}

	n, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
