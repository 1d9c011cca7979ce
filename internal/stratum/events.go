package stratum

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompminer/internal/mining"
	"github.com/bardlex/gompminer/pkg/log"
)

// EventType names what happened.
type EventType string

// Events emitted by the Client.
const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventAuthorized    EventType = "authorized"
	EventNewJob        EventType = "newJob"
	EventDifficulty    EventType = "difficulty"
	EventShareAccepted EventType = "shareAccepted"
	EventShareRejected EventType = "shareRejected"
	EventHashrate      EventType = "hashrate"
	EventStateChanged  EventType = "stateChanged"
	EventPoolMessage   EventType = "poolMessage"
)

const eventBuffer = 256

// Event is one observation of the client. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	Time     time.Time
	Pool     string
	Identity string

	State     ConnState
	PrevState ConnState

	Job        *mining.Job
	Difficulty float64
	Hashrate   float64
	Share      *ShareRecord
	Message    string
	Err        error
}

// EventHandler receives events on the client's dispatcher goroutine, in emission order.
type EventHandler interface {
	HandleEvent(ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f EventHandlerFunc) HandleEvent(ev Event) {
	f(ev)
}

// dispatcher queues events so handlers never block the reader or the workers.
type dispatcher struct {
	logger  *log.Logger
	queue   chan Event
	done    chan struct{} // closed when run returns
	dropped atomic.Uint64

	mu       sync.RWMutex
	handlers []EventHandler
}

func newDispatcher(logger *log.Logger) *dispatcher {
	return &dispatcher{
		logger: logger.WithComponent("events"),
		queue:  make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (d *dispatcher) add(h EventHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// emit queues ev. Share outcomes wait for room, so the submit loop slows
// down instead of losing a ledger entry. Any other event is dropped when
// the queue is full.
func (d *dispatcher) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Type == EventShareAccepted || ev.Type == EventShareRejected {
		select {
		case d.queue <- ev:
		case <-d.done:
			d.logger.Warn("event dispatcher stopped, dropping share event", "type", ev.Type)
		}
		return
	}
	select {
	case d.queue <- ev:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn("event queue full, dropping events", "type", ev.Type, "dropped", n)
		}
	}
}

// run delivers events until stop is closed, then drains what is left.
func (d *dispatcher) run(stop <-chan struct{}) {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-stop:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(ev Event) {
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	for _, h := range handlers {
		h.HandleEvent(ev)
	}
}
