package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func validEvent(kind Kind) Event {
	return Event{
		SessionID: "sess-1",
		UserID:    "user-1",
		Kind:      kind,
		TS:        time.Unix(1700000000, 0).UTC(),
		JobID:     "job-1",
	}
}

func TestHubDeliversToSinks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(validEvent(KindSessionStarted))
	hub.Emit(validEvent(KindJobApplied))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	got := sink.snapshot()
	require.Equal(t, KindSessionStarted, got[0].Kind)
	require.Equal(t, KindJobApplied, got[1].Kind)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	// Long batch wait so delivery can only happen via the close drain.
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 10; i++ {
		hub.Emit(validEvent(KindJobSkipped))
	}
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.snapshot(), 10)
	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	require.True(t, closed)

	// Emit after close is a silent no-op.
	hub.Emit(validEvent(KindJobSkipped))
	require.Len(t, sink.snapshot(), 10)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	// No sink consumption keeps events queued; buffer of 1 forces drops.
	hub := NewHub(Config{BufferSize: 1, MaxBatchWait: time.Hour, MaxBatchEvents: 1 << 20})

	for i := 0; i < 5; i++ {
		hub.Emit(validEvent(KindJobApplied))
	}
	require.GreaterOrEqual(t, hub.Dropped(), int64(1))
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Kind: KindSessionStarted})                      // no session id
	hub.Emit(Event{SessionID: "sess-1", Kind: KindSessionStarted}) // no timestamp

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.snapshot())
	require.Zero(t, hub.Dropped())
}

func TestSessionKindMapping(t *testing.T) {
	t.Parallel()

	kind, ok := SessionKind("completed")
	require.True(t, ok)
	require.Equal(t, KindSessionCompleted, kind)

	kind, ok = SessionKind("cancelled")
	require.True(t, ok)
	require.Equal(t, KindSessionCancelled, kind)

	_, ok = SessionKind("pending")
	require.False(t, ok)
}
