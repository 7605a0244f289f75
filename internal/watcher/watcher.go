// Package watcher reports changes to a single file: writes (used to reload
// settings.json) and deletion (used to recreate the database).
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Event is what happened to the watched file.
type Event int

const (
	// Changed means the file was written or created.
	Changed Event = iota + 1
	// Removed means the file (or its directory) was deleted and not recreated
	// within the debounce window.
	Removed
)

func (e Event) String() string {
	switch e {
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// DefaultDebounce coalesces bursts of events (editors often write a file several times).
const DefaultDebounce = 100 * time.Millisecond

// Watcher monitors one file and calls onEvent after each debounced change.
// It watches the parent directory since fsnotify cannot watch files that
// do not exist yet and loses the watch when a file is replaced.
type Watcher struct {
	ctx        context.Context
	watcher    *fsnotify.Watcher
	onEvent    func(Event)
	cancel     context.CancelFunc
	targetPath string
	parentPath string
	debounce   time.Duration
	mu         sync.Mutex
	running    bool
}

// New creates a watcher for targetPath.
func New(targetPath string, onEvent func(Event)) (*Watcher, error) {
	return NewWithDebounce(targetPath, DefaultDebounce, onEvent)
}

// NewWithDebounce is New with a custom debounce window.
func NewWithDebounce(targetPath string, debounce time.Duration, onEvent func(Event)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	target := filepath.Clean(targetPath)

	return &Watcher{
		targetPath: target,
		parentPath: filepath.Dir(target),
		onEvent:    onEvent,
		watcher:    fsw,
		ctx:        ctx,
		cancel:     cancel,
		debounce:   debounce,
	}, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string {
	return w.targetPath
}

// Start begins watching. Calling Start twice is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		// The directory may appear later; keep the loop alive.
		log.Warn().Err(err).Str("path", w.parentPath).Msg("Failed to add initial watch")
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher and releases its resources.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parentPath); err != nil {
		return err
	}
	return w.watcher.Add(w.parentPath)
}

func (w *Watcher) watchLoop() {
	var (
		timer   *time.Timer
		pending Event
	)

	schedule := func(ev Event) {
		// A removal followed by a recreate within the window is a change.
		if pending == Removed && ev == Changed {
			log.Debug().Str("path", w.targetPath).Msg("Target recreated")
		}
		pending = ev
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			w.fire(ev)
		})
	}

	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			eventPath := filepath.Clean(event.Name)

			switch {
			case eventPath == w.parentPath && event.Has(fsnotify.Remove):
				log.Info().Str("path", w.parentPath).Msg("Parent directory deleted")
				schedule(Removed)

			case eventPath == w.parentPath && event.Has(fsnotify.Create):
				log.Info().Str("path", w.parentPath).Msg("Parent directory recreated, re-establishing watch")
				_ = w.addWatch()

			case eventPath != w.targetPath:
				continue

			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				schedule(Removed)

			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				schedule(Changed)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) fire(ev Event) {
	if w.ctx.Err() != nil {
		return
	}
	log.Info().Str("path", w.targetPath).Stringer("event", ev).Msg("Watched file event")

	if w.onEvent != nil {
		w.onEvent(ev)
	}

	if ev == Removed {
		// The parent may come back; re-add it so later events are seen.
		go func() {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(5 * w.debounce):
			}
			if err := w.addWatch(); err != nil {
				log.Debug().Err(err).Str("path", w.parentPath).Msg("Watch not re-established")
			}
		}()
	}
}
