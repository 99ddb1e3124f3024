package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukafiti/dukasync/internal/clock"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/synckit"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newMonitor(fake *clock.Fake, drains, pauses *atomic.Int32, opts ...Option) *Monitor {
	opts = append([]Option{
		WithClock(fake),
		WithLogger(logging.Discard()),
		OnReconnect(func() { drains.Add(1) }),
		OnDisconnect(func() { pauses.Add(1) }),
	}, opts...)
	return New(Config{Debounce: time.Second}, opts...)
}

func TestReconnectIsDebounced(t *testing.T) {
	fake := clock.NewFake(t0)
	var drains, pauses atomic.Int32
	m := newMonitor(fake, &drains, &pauses)

	m.SetOnline(true)
	fake.Advance(999 * time.Millisecond)
	assert.Zero(t, drains.Load())

	fake.Advance(time.Millisecond)
	assert.Equal(t, int32(1), drains.Load())

	m.SetOnline(true)
	fake.Advance(time.Minute)
	assert.Equal(t, int32(1), drains.Load(), "repeated signal is not a transition")
}

func TestFlappingResetsTimer(t *testing.T) {
	fake := clock.NewFake(t0)
	var drains, pauses atomic.Int32
	m := newMonitor(fake, &drains, &pauses)

	m.SetOnline(true)
	fake.Advance(500 * time.Millisecond)
	m.SetOnline(false)
	assert.Equal(t, int32(1), pauses.Load())
	assert.Zero(t, fake.Pending(), "going offline cancels the trigger")

	m.SetOnline(true)
	fake.Advance(999 * time.Millisecond)
	assert.Zero(t, drains.Load())
	fake.Advance(time.Millisecond)
	assert.Equal(t, int32(1), drains.Load())
}

func TestSubscribersSeeTransitions(t *testing.T) {
	fake := clock.NewFake(t0)
	var drains, pauses atomic.Int32
	m := newMonitor(fake, &drains, &pauses)

	var seen []synckit.ConnectivityState
	unsubscribe := m.Subscribe(func(s synckit.ConnectivityState) { seen = append(seen, s) })

	m.SetOnline(true)
	fake.Advance(5 * time.Second)
	m.SetOnline(false)
	unsubscribe()
	m.SetOnline(true)

	require.Len(t, seen, 2)
	assert.True(t, seen[0].IsOnline)
	assert.True(t, seen[0].LastTransitionAt.Equal(t0))
	assert.False(t, seen[1].IsOnline)
	assert.True(t, seen[1].LastTransitionAt.Equal(t0.Add(5*time.Second)))
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"no content means online", http.StatusNoContent, true},
		{"captive portal", http.StatusOK, false},
		{"server error", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			m := New(Config{ProbeURL: srv.URL}, WithLogger(logging.Discard()), InitiallyOnline(!tt.want))
			assert.Equal(t, tt.want, m.Probe(context.Background()))
			assert.Equal(t, tt.want, m.IsOnline())
		})
	}
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := New(Config{ProbeURL: url, ProbeTimeout: time.Second}, WithLogger(logging.Discard()), InitiallyOnline(true))
	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.IsOnline())
}

func TestRunProbesUntilCancelled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := New(Config{ProbeURL: srv.URL, ProbeInterval: 20 * time.Millisecond}, WithLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.True(t, m.IsOnline())
}

func TestRunFollowsTheClock(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fake := clock.NewFake(t0)
	m := New(Config{ProbeURL: srv.URL, ProbeInterval: 15 * time.Second},
		WithClock(fake), WithLogger(logging.Discard()), InitiallyOnline(true))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() == 1 && fake.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	fake.Advance(14 * time.Second)
	assert.Never(t, func() bool { return hits.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	fake.Advance(time.Second)
	require.Eventually(t, func() bool { return hits.Load() == 2 && fake.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, fake.Pending(), "stopping the loop disarms the timer")
}
