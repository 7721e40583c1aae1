package pettracer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UpdateEvent is delivered to subscribers when a device delta has been
// merged into the cache. Fields holds the canonical (remapped) payload;
// transport details never leak through this type.
type UpdateEvent struct {
	ID       string         // unique event id
	DeviceID string         // device the delta applied to
	Fields   map[string]any // canonical field names and values
	Time     time.Time
}

// UpdateFunc is a subscriber callback. Callbacks run synchronously on
// the session's read loop, so they should return quickly.
type UpdateFunc func(UpdateEvent)

// Dispatcher fans device update events out to registered subscribers.
//
// Delivery is synchronous and in arrival order. A panicking subscriber
// is isolated: the panic is logged and the remaining subscribers still
// receive the event. Register and Unregister are safe to call
// concurrently with Notify.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[string]UpdateFunc
	logger Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger Logger) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		subs:   make(map[string]UpdateFunc),
		logger: logger,
	}
}

// Register adds a subscriber and returns a handle for Unregister.
func (d *Dispatcher) Register(fn UpdateFunc) string {
	id := uuid.NewString()
	d.mu.Lock()
	d.subs[id] = fn
	d.mu.Unlock()
	return id
}

// Unregister removes a subscriber. Unknown handles are ignored.
func (d *Dispatcher) Unregister(id string) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

// SubscriberCount returns the number of registered subscribers.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Notify delivers an event for the given device to every subscriber.
func (d *Dispatcher) Notify(deviceID string, fields map[string]any) {
	event := UpdateEvent{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Fields:   fields,
		Time:     time.Now().UTC(),
	}

	// Snapshot the subscriber list so callbacks can register or
	// unregister without deadlocking against this delivery.
	d.mu.RLock()
	subs := make([]UpdateFunc, 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.RUnlock()

	for _, fn := range subs {
		d.deliver(fn, event)
	}
}

// deliver invokes one subscriber with panic isolation.
func (d *Dispatcher) deliver(fn UpdateFunc, event UpdateEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("update subscriber panic recovered",
				"device_id", event.DeviceID,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	fn(event)
}
