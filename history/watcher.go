package history

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce coalesces bursts of writes into one notification.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher reports changes to one file. It watches the parent directory so the
// file may be created, replaced, or removed while watched.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	log      zerolog.Logger

	fsw *fsnotify.Watcher

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching path and calls onChange after each debounced burst.
func Watch(path string, debounce time.Duration, log zerolog.Logger, onChange func()) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("watch path is required")
	}
	if onChange == nil {
		return nil, errors.New("change callback is required")
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch directory of %q: %w", path, err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		log:      log.With().Str("component", "history_watcher").Str("path", path).Logger(),
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("File watcher error")
		case <-timerC:
			timerC = nil
			w.log.Debug().Msg("History snapshot changed")
			w.onChange()
		case <-w.done:
			return
		}
	}
}
