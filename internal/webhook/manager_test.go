package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizscout/harvester/internal/harvest"
)

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *stubClock) {
	t.Helper()
	clock := &stubClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := New(cfg, &seqIDs{}, clock, nil, zap.NewNop())
	return m, clock
}

func TestEmitDeliversSignedPayload(t *testing.T) {
	t.Parallel()

	type received struct {
		body    []byte
		headers http.Header
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, _ := newTestManager(t, Config{ScanInterval: 10 * time.Millisecond})
	ep, err := m.AddEndpoint(srv.URL, []harvest.EventType{harvest.EventJobCompleted})
	require.NoError(t, err)
	require.NotEmpty(t, ep.Secret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Emit(harvest.Event{
		Type: harvest.EventJobCompleted,
		Data: map[string]any{"job_id": "j1"},
	})
	// Only one delivery: this event type is not subscribed.
	m.Emit(harvest.Event{Type: harvest.EventJobFailed})

	select {
	case r := <-got:
		sig := r.headers.Get(HeaderSignature)
		require.True(t, Verify(ep.Secret, r.body, sig))
		require.NotEmpty(t, r.headers.Get(HeaderDelivery))
		require.Equal(t, string(harvest.EventJobCompleted), r.headers.Get(HeaderEvent))
		require.NotEmpty(t, r.headers.Get(HeaderTimestamp))
		require.Equal(t, "application/json", r.headers.Get("Content-Type"))
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}

	require.Eventually(t, func() bool {
		ds := m.ListDeliveries()
		return len(ds) == 1 && ds[0].Status == DeliveryDelivered && ds[0].Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliveryRetriesThenPermanentlyFails(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ladder := []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	m, clock := newTestManager(t, Config{
		ScanInterval:   5 * time.Millisecond,
		FailureCeiling: 100,
		RetryLadder:    ladder,
	})
	_, err := m.AddEndpoint(srv.URL, []harvest.EventType{harvest.EventJobFailed})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Millisecond):
				clock.advance(10 * time.Millisecond)
			}
		}
	}()
	go m.Run(ctx)

	m.Emit(harvest.Event{Type: harvest.EventJobFailed})

	require.Eventually(t, func() bool {
		ds := m.ListDeliveries()
		return len(ds) == 1 && ds[0].Status == DeliveryFailed
	}, 5*time.Second, 10*time.Millisecond)

	ds := m.ListDeliveries()
	require.Equal(t, m.MaxAttempts(), ds[0].Attempts)
	require.EqualValues(t, m.MaxAttempts(), hits.Load())
	require.NotEmpty(t, ds[0].LastError)
}

func TestEndpointAutoDisabledAtFailureCeiling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m, clock := newTestManager(t, Config{
		ScanInterval:   5 * time.Millisecond,
		FailureCeiling: 2,
		RetryLadder:    []time.Duration{time.Millisecond},
	})
	ep, err := m.AddEndpoint(srv.URL, []harvest.EventType{harvest.EventJobCompleted})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Millisecond):
				clock.advance(10 * time.Millisecond)
			}
		}
	}()
	go m.Run(ctx)

	m.Emit(harvest.Event{Type: harvest.EventJobCompleted})
	m.Emit(harvest.Event{Type: harvest.EventJobCompleted})

	require.Eventually(t, func() bool {
		got, ok := m.GetEndpoint(ep.ID)
		return ok && !got.Enabled && got.FailureCount >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// Disabled endpoints receive nothing new.
	m.Emit(harvest.Event{Type: harvest.EventJobCompleted})
	require.Len(t, m.ListDeliveries(), 2)
}

func TestSecretNeverReExposed(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{})
	ep, err := m.AddEndpoint("https://hooks.example.com/a", []harvest.EventType{harvest.EventJobCreated})
	require.NoError(t, err)
	require.NotEmpty(t, ep.Secret)

	got, ok := m.GetEndpoint(ep.ID)
	require.True(t, ok)
	require.Empty(t, got.Secret)

	list := m.ListEndpoints()
	require.Len(t, list, 1)
	require.Empty(t, list[0].Secret)

	enabled := false
	updated, err := m.UpdateEndpoint(ep.ID, EndpointUpdate{Enabled: &enabled})
	require.NoError(t, err)
	require.Empty(t, updated.Secret)
	require.False(t, updated.Enabled)
}

func TestEndpointValidation(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{})
	_, err := m.AddEndpoint("not a url", []harvest.EventType{harvest.EventJobCreated})
	require.Error(t, err)
	_, err = m.AddEndpoint("https://hooks.example.com/a", nil)
	require.Error(t, err)

	_, err = m.UpdateEndpoint("missing", EndpointUpdate{})
	require.Error(t, err)
	require.False(t, m.RemoveEndpoint("missing"))
}

func TestRemoveEndpointDropsPendingDeliveries(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{ScanInterval: 5 * time.Millisecond})
	ep, err := m.AddEndpoint("https://hooks.example.com/a", []harvest.EventType{harvest.EventJobCompleted})
	require.NoError(t, err)

	m.Emit(harvest.Event{Type: harvest.EventJobCompleted})
	require.True(t, m.RemoveEndpoint(ep.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		ds := m.ListDeliveries()
		return len(ds) == 1 && ds[0].Status == DeliveryFailed
	}, 2*time.Second, 10*time.Millisecond)
}
