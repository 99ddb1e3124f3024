package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/synckit"
)

func TestWatcherSeesOtherHandleWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.db")
	cfg := DefaultConfig(path)
	cfg.Logger = logging.Discard()
	writer, err := New(cfg)
	require.NoError(t, err)
	defer writer.Close()

	w, err := NewWatcher(path, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, writer.Put(context.Background(), "products",
		synckit.CachedEntity{ID: "p1", Data: map[string]any{"name": "Milk"}, Synced: true}))

	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification after write")
	}
}

func TestWatcherRejectsMemory(t *testing.T) {
	_, err := NewWatcher(":memory:", 0)
	require.Error(t, err)
}
