package application

import (
	"log/slog"
	"sync"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// DispatchMode selects how events reach listeners.
type DispatchMode int

// Dispatch modes.
const (
	// DispatchSync calls listeners on the emitting goroutine.
	DispatchSync DispatchMode = iota
	// DispatchQueued enqueues events and delivers them from one goroutine.
	DispatchQueued
)

// EventDispatcher fans indexing events out to listeners. Listeners see
// events in emission order in both modes.
type EventDispatcher struct {
	mode   DispatchMode
	logger *slog.Logger

	lmu       sync.Mutex
	listeners []output.EventListener

	mu     sync.RWMutex
	closed bool

	queue chan domain.ProcessEvent
	wg    sync.WaitGroup
}

// NewEventDispatcher creates a dispatcher. buffer sizes the queue in
// DispatchQueued mode.
func NewEventDispatcher(mode DispatchMode, buffer int, logger *slog.Logger) *EventDispatcher {
	d := &EventDispatcher{mode: mode, logger: logger}
	if mode == DispatchQueued {
		if buffer <= 0 {
			buffer = 256
		}
		d.queue = make(chan domain.ProcessEvent, buffer)
		d.wg.Add(1)
		go d.deliverLoop()
	}
	return d
}

// AddListener registers a listener.
func (d *EventDispatcher) AddListener(l output.EventListener) {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *EventDispatcher) snapshot() []output.EventListener {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	return d.listeners[:len(d.listeners):len(d.listeners)]
}

// Dispatch emits an event. Events emitted after Close are dropped.
func (d *EventDispatcher) Dispatch(e domain.ProcessEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Debug("event dropped after close", "kind", e.Kind, "run_id", e.RunID)
		return
	}
	if d.mode == DispatchQueued {
		d.queue <- e
		return
	}
	d.deliver(d.snapshot(), e)
}

// Close stops the dispatcher and, in queued mode, waits until every queued
// event has been delivered.
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.queue != nil {
		close(d.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *EventDispatcher) deliverLoop() {
	defer d.wg.Done()
	for e := range d.queue {
		d.deliver(d.snapshot(), e)
	}
}

func (d *EventDispatcher) deliver(listeners []output.EventListener, e domain.ProcessEvent) {
	for _, l := range listeners {
		l.OnEvent(e)
	}
}
