// Package reload re-applies the configuration file while the scheduler is
// running, on file change or on SIGHUP.
package reload

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultPollInterval = 5 * time.Second

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// ConfigPath is the configuration file to watch.
	ConfigPath string

	// PollInterval is how often the file is stat'ed. Defaults to 5 seconds.
	PollInterval time.Duration

	// Clock drives polling. Defaults to the real clock.
	Clock clockwork.Clock
}

func (c WatcherConfig) pollIntervalOrDefault() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

// EventType describes the type of file change event.
type EventType string

const (
	// EventModified indicates the config file was modified.
	EventModified EventType = "modified"
)

// Event represents a file change notification.
type Event struct {
	Type       EventType
	ConfigPath string
}

// Watcher polls a configuration file for modifications.
type Watcher struct {
	cfg     WatcherConfig
	clock   clockwork.Clock
	events  chan Event
	stop    chan struct{}
	stopped chan struct{}
	ready   chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatcher creates a new file watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{
		cfg:     cfg,
		clock:   clock,
		events:  make(chan Event, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// Start begins polling. Only the first call starts the goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.poll(ctx)
	})
}

// Ready is closed once the baseline modification time has been read.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Events returns the channel of file change events. Changes arriving while
// an event is pending are folded into it.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop stops the watcher. Safe to call multiple times and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	if w.started.Load() {
		<-w.stopped
	}
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.stopped)

	ticker := w.clock.NewTicker(w.cfg.pollIntervalOrDefault())
	defer ticker.Stop()

	lastMod := w.statModTime()
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.Chan():
			current := w.statModTime()
			if current.IsZero() || current.Equal(lastMod) {
				continue
			}
			lastMod = current
			select {
			case w.events <- Event{Type: EventModified, ConfigPath: w.cfg.ConfigPath}:
			default:
			}
		}
	}
}

func (w *Watcher) statModTime() time.Time {
	info, err := os.Stat(w.cfg.ConfigPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
