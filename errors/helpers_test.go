package errors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/dukafiti/dukasync/errors"
)

func TestWrapOpComponent(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		op           string
		component    string
		expectedOp   syncErrors.Operation
		expectedComp string
		nilError     bool
	}{
		{
			name:      "nil error returns nil",
			op:        "sqlite.Put",
			component: "storage/sqlite",
			nilError:  true,
		},
		{
			name:         "basic error wrapping",
			err:          fmt.Errorf("underlying error"),
			op:           "sqlite.Put",
			component:    "storage/sqlite",
			expectedOp:   syncErrors.Operation("sqlite.Put"),
			expectedComp: "storage/sqlite",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := syncErrors.WrapOpComponent(tt.err, tt.op, tt.component)
			if tt.nilError {
				assert.Nil(t, result)
				return
			}

			var syncErr *syncErrors.SyncError
			require.True(t, errors.As(result, &syncErr))
			assert.Equal(t, tt.expectedOp, syncErr.Op)
			assert.Equal(t, tt.expectedComp, syncErr.Component)
			assert.ErrorIs(t, result, tt.err)
		})
	}
}

func TestWrapOpComponentKind(t *testing.T) {
	err := syncErrors.WrapOpComponentKind(fmt.Errorf("database or disk is full"), "sqlite.Put", "storage/sqlite", syncErrors.KindStorageQuota)

	assert.True(t, errors.Is(err, syncErrors.ErrStorageQuota))
	assert.True(t, syncErrors.IsRetryable(err))
	assert.Nil(t, syncErrors.WrapOpComponentKind(nil, "op", "c", syncErrors.KindInternal))
}

func TestE(t *testing.T) {
	t.Run("message only", func(t *testing.T) {
		err := syncErrors.E(syncErrors.Op("queue.Enqueue"), syncErrors.KindInvalid, "operation id is required")
		require.Error(t, err)
		assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(err))
		assert.Contains(t, err.Error(), "operation id is required")
		assert.False(t, syncErrors.IsRetryable(err))
	})

	t.Run("kind inherited from wrapped SyncError", func(t *testing.T) {
		inner := syncErrors.NewServerError(syncErrors.OpApply, 503, fmt.Errorf("unavailable"))
		err := syncErrors.E(syncErrors.Op("queue.send"), inner)
		assert.Equal(t, syncErrors.KindServerTransient, syncErrors.KindOf(err))
		assert.True(t, syncErrors.IsRetryable(err))
	})

	t.Run("metadata", func(t *testing.T) {
		err := syncErrors.E(syncErrors.Op("reconcile.Dedupe"), syncErrors.KindReconciliationConflict,
			map[string]interface{}{"resource": "sales"}, fmt.Errorf("amount differs"))
		var syncErr *syncErrors.SyncError
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, "sales", syncErr.Metadata["resource"])
	})

	t.Run("no arguments", func(t *testing.T) {
		assert.Nil(t, syncErrors.E())
	})
}
