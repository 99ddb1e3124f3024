package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dukafiti/dukasync/logging"
)

// Watcher reports writes made to a database file, including those made by
// other processes sharing it. Bursts of file events collapse into a single
// notification per quiet period.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	base    string
	quiet   time.Duration
	changes chan struct{}
	logger  *logging.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher watches the database file at path and its -wal/-shm siblings.
// quiet is the debounce window; zero selects 100ms.
func NewWatcher(path string, quiet time.Duration) (*Watcher, error) {
	if path == "" || path == memoryDataSource {
		return nil, fmt.Errorf("cannot watch %q: not a database file", path)
	}
	if quiet <= 0 {
		quiet = 100 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher: w,
		dir:     filepath.Dir(abs),
		base:    filepath.Base(abs),
		quiet:   quiet,
		changes: make(chan struct{}, 1),
		logger:  logging.WithComponent(logging.Component("sqlite-watcher")),
		done:    make(chan struct{}),
	}, nil
}

// Changes delivers one value per burst of writes. It never blocks the
// watcher: a pending unread notification absorbs later ones.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start begins watching. The directory is watched rather than the file so
// that the WAL file being created and truncated is observed too.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Run starts the watcher and stops it when ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return strings.HasPrefix(filepath.Base(ev.Name), w.base)
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.quiet)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.quiet)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("database watch error", slog.String("error", err.Error()))
		}
	}
}
