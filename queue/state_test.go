package queue

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/synckit"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func inFlight(retries int) synckit.QueuedOperation {
	return synckit.QueuedOperation{ID: "op-1", Type: synckit.OpCreate, Resource: "sales",
		State: synckit.StateInFlight, RetryCount: retries, LeaseUntil: t0.Add(time.Minute)}
}

func TestFail(t *testing.T) {
	policy := Policy{MaxRetries: 5, Backoff: &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}}

	tests := []struct {
		name        string
		op          synckit.QueuedOperation
		cause       error
		wantState   synckit.OpState
		wantRetries int
		wantNext    time.Time
	}{
		{
			name:        "offline keeps the retry budget",
			op:          inFlight(2),
			cause:       syncErrors.NewNetworkError(syncErrors.OpApply, errors.New("dial tcp: connection refused")),
			wantState:   synckit.StatePending,
			wantRetries: 2,
			wantNext:    t0.Add(4 * time.Second),
		},
		{
			name:        "first 5xx backs off by the initial delay",
			op:          inFlight(0),
			cause:       syncErrors.NewServerError(syncErrors.OpApply, http.StatusBadGateway, errors.New("bad gateway")),
			wantState:   synckit.StatePending,
			wantRetries: 1,
			wantNext:    t0.Add(time.Second),
		},
		{
			name:        "fifth 5xx is terminal",
			op:          inFlight(4),
			cause:       syncErrors.NewServerError(syncErrors.OpApply, http.StatusInternalServerError, errors.New("boom")),
			wantState:   synckit.StateFailed,
			wantRetries: 5,
		},
		{
			name:        "4xx is terminal at once",
			op:          inFlight(0),
			cause:       syncErrors.NewServerError(syncErrors.OpApply, http.StatusUnprocessableEntity, errors.New("amount must be positive")),
			wantState:   synckit.StateFailed,
			wantRetries: 0,
		},
		{
			name:        "unclassified errors are terminal",
			op:          inFlight(1),
			cause:       errors.New("something odd"),
			wantState:   synckit.StateFailed,
			wantRetries: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Fail(tt.op, tt.cause, t0, policy)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantRetries, got.RetryCount)
			assert.True(t, got.LeaseUntil.IsZero())
			assert.Equal(t, tt.cause.Error(), got.LastError)
			if !tt.wantNext.IsZero() {
				assert.True(t, tt.wantNext.Equal(got.NextAttemptAt), "next attempt %v", got.NextAttemptAt)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	pending := synckit.QueuedOperation{ID: "op-1", State: synckit.StatePending}

	_, err := Fail(pending, errors.New("x"), t0, Policy{})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
	assert.Error(t, Confirm(pending))

	began, err := Begin(pending, t0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, synckit.StateInFlight, began.State)
	assert.True(t, began.LeaseUntil.Equal(t0.Add(time.Minute)))
	assert.NoError(t, Confirm(began))

	_, err = Begin(began, t0, time.Minute)
	assert.Error(t, err)

	_, err = Retry(began, t0)
	assert.Error(t, err)
}

func TestRetryResetsTerminal(t *testing.T) {
	op := synckit.QueuedOperation{ID: "op-1", State: synckit.StateFailed, RetryCount: 5, LastError: "boom"}
	got, err := Retry(op, t0)
	require.NoError(t, err)
	assert.Equal(t, synckit.StatePending, got.State)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.True(t, got.Due(t0))
}

func TestRelease(t *testing.T) {
	got := Release(inFlight(3))
	assert.Equal(t, synckit.StatePending, got.State)
	assert.Equal(t, 3, got.RetryCount)
	assert.True(t, got.LeaseUntil.IsZero())
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{500, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRequeue(t *testing.T) {
	policy := Policy{MaxRetries: 5, Backoff: &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}}

	got, err := Requeue(inFlight(1), errors.New("database is locked"), t0, policy)
	require.NoError(t, err)
	assert.Equal(t, synckit.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, t0.Add(2*time.Second), got.NextAttemptAt)
	assert.True(t, got.LeaseUntil.IsZero())
	assert.Equal(t, "database is locked", got.LastError)

	pending := inFlight(0)
	pending.State = synckit.StatePending
	_, err = Requeue(pending, nil, t0, policy)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}
