package queue

import (
	"fmt"
	"time"

	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/synckit"
)

// Policy decides what a failed send does to an operation.
type Policy struct {
	// MaxRetries is the number of retryable failures after which an
	// operation becomes terminal.
	MaxRetries int
	Backoff    BackoffStrategy
}

func invalidTransition(op synckit.QueuedOperation, to string) error {
	return syncErrors.E(syncErrors.OpDrain, syncErrors.Component("queue"), syncErrors.KindInvalid,
		map[string]interface{}{"op_id": op.ID, "state": string(op.State)},
		fmt.Sprintf("cannot move operation %s from %s to %s", op.ID, op.State, to))
}

// Begin moves a pending operation to in_flight, leased until now+lease.
func Begin(op synckit.QueuedOperation, now time.Time, lease time.Duration) (synckit.QueuedOperation, error) {
	if op.State != synckit.StatePending {
		return op, invalidTransition(op, string(synckit.StateInFlight))
	}
	op.State = synckit.StateInFlight
	op.LeaseUntil = now.Add(lease)
	return op, nil
}

// Confirm checks that an operation may leave the queue as confirmed. A
// confirmed operation is removed, so there is no resulting state.
func Confirm(op synckit.QueuedOperation) error {
	if op.State != synckit.StateInFlight {
		return invalidTransition(op, "confirmed")
	}
	return nil
}

// Fail applies a failed send to an in_flight operation.
//
// NetworkUnavailable returns the operation to pending without touching the
// retry budget. Other retryable kinds count one retry and back off until
// MaxRetries is reached. Everything else is terminal.
func Fail(op synckit.QueuedOperation, cause error, now time.Time, p Policy) (synckit.QueuedOperation, error) {
	if op.State != synckit.StateInFlight {
		return op, invalidTransition(op, "failed")
	}
	op.LeaseUntil = time.Time{}
	if cause != nil {
		op.LastError = cause.Error()
	}

	switch {
	case syncErrors.IsKind(cause, syncErrors.KindNetworkUnavailable):
		return Requeue(op, cause, now, p)
	case syncErrors.IsRetryable(cause):
		op.RetryCount++
		if p.MaxRetries > 0 && op.RetryCount >= p.MaxRetries {
			op.State = synckit.StateFailed
			break
		}
		op.State = synckit.StatePending
		op.NextAttemptAt = now.Add(p.delay(op.RetryCount - 1))
	default:
		op.State = synckit.StateFailed
	}
	return op, nil
}

// Release hands an in_flight operation back to pending unchanged, used when a
// send was interrupted before the server answered.
func Release(op synckit.QueuedOperation) synckit.QueuedOperation {
	if op.State == synckit.StateInFlight {
		op.State = synckit.StatePending
		op.LeaseUntil = time.Time{}
	}
	return op
}

// Requeue hands an in_flight operation back to pending after the usual delay
// without spending its retry budget.
func Requeue(op synckit.QueuedOperation, cause error, now time.Time, p Policy) (synckit.QueuedOperation, error) {
	if op.State != synckit.StateInFlight {
		return op, invalidTransition(op, string(synckit.StatePending))
	}
	op.State = synckit.StatePending
	op.LeaseUntil = time.Time{}
	op.NextAttemptAt = now.Add(p.delay(op.RetryCount))
	if cause != nil {
		op.LastError = cause.Error()
	}
	return op, nil
}

// Retry resets a terminal operation so the next drain sends it again.
func Retry(op synckit.QueuedOperation, now time.Time) (synckit.QueuedOperation, error) {
	switch op.State {
	case synckit.StateFailed, synckit.StatePending:
	default:
		return op, invalidTransition(op, string(synckit.StatePending))
	}
	op.State = synckit.StatePending
	op.RetryCount = 0
	op.NextAttemptAt = now
	op.LeaseUntil = time.Time{}
	op.LastError = ""
	return op, nil
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.NextDelay(attempt)
}
