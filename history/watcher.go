package history

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentmux/agentmux/logger"
)

// defaultDebounce coalesces the bursts of writes the CLI produces while
// streaming a response into a single change notification.
const defaultDebounce = 200 * time.Millisecond

// Watcher watches one transcript file and signals when it changes.
// The parent directory is watched rather than the file itself, because
// the CLI may create the file after the watch starts and some editors
// replace files wholesale.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	changes chan struct{}

	mu     sync.Mutex
	closed bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// WatchSessionFile starts watching the transcript at path. The parent
// directory must exist.
func WatchSessionFile(path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch transcript directory: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fsWatcher,
		changes: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Changes signals at most once per debounce window when the transcript
// has been written. The channel is closed when the watcher closes.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.closeCh)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.changes)
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	log := logger.WithComponent("history")

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Debounce: (re)arm the timer, notify when writes pause.
			if timer == nil {
				timer = time.NewTimer(defaultDebounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(defaultDebounce)
			}

		case <-timerCh:
			select {
			case w.changes <- struct{}{}:
			default:
				// A pending notification already covers this change.
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Debug("transcript watch error", "error", err)
		}
	}
}
