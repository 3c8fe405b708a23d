package control

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrLearnSessionBusy is returned when a learn session is already armed.
	// Only one learn capture may be active system-wide.
	ErrLearnSessionBusy = errors.New("control: learn session already active")
	// ErrDeviceDisconnected marks events from devices no longer present.
	// Such events are dropped with a warning, never fatal.
	ErrDeviceDisconnected = errors.New("control: device disconnected")
)

// Dispatcher receives resolved control actions. Implementations must not
// block; the engine's dispatcher enqueues onto its command ring.
type Dispatcher func(m Mapping, value float64)

// learnSession is a one-shot capture armed by StartLearning.
type learnSession struct {
	deviceID  string
	action    Action
	target    string
	parameter string
}

// Binder owns the mapping table, the device presence registry and the learn
// session. It is the single writer of all three; readers get copies.
type Binder struct {
	mu       sync.RWMutex
	table    map[tableKey]Mapping
	devices  map[string]bool
	learn    *learnSession
	dispatch Dispatcher
	log      *zap.Logger
}

// NewBinder creates a binder delivering resolved actions to dispatch.
func NewBinder(dispatch Dispatcher, log *zap.Logger) *Binder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Binder{
		table:    make(map[tableKey]Mapping),
		devices:  make(map[string]bool),
		dispatch: dispatch,
		log:      log,
	}
}

// DeviceConnected records device presence. Mappings for the device become
// live again; they are never deleted on loss.
func (b *Binder) DeviceConnected(deviceID string) {
	b.mu.Lock()
	b.devices[deviceID] = true
	b.mu.Unlock()
	b.log.Info("controller connected", zap.String("device", deviceID))
}

// DeviceDisconnected records device loss. Affected mappings stay in the
// table, inert until the device returns.
func (b *Binder) DeviceDisconnected(deviceID string) {
	b.mu.Lock()
	b.devices[deviceID] = false
	b.mu.Unlock()
	b.log.Warn("controller disconnected", zap.String("device", deviceID))
}

// HandleEvent processes one raw control event. While a learn session for
// the event's device is armed, the event is captured into a new mapping
// and the session ends. Otherwise the event resolves through the table;
// unmapped events are dropped silently, events from absent devices are
// dropped with a warning.
func (b *Binder) HandleEvent(ev Event) {
	b.mu.Lock()

	if b.learn != nil && b.learn.deviceID == ev.DeviceID {
		m := Mapping{
			ID:        uuid.New(),
			DeviceID:  ev.DeviceID,
			Control:   ev.Control,
			Action:    b.learn.action,
			Target:    b.learn.target,
			Parameter: b.learn.parameter,
		}
		b.table[tableKey{m.DeviceID, m.Control}] = m
		b.learn = nil
		b.mu.Unlock()
		b.log.Info("mapping learned",
			zap.String("device", m.DeviceID),
			zap.String("control", m.Control),
			zap.String("action", string(m.Action)))
		return
	}

	if connected, known := b.devices[ev.DeviceID]; known && !connected {
		b.mu.Unlock()
		b.log.Warn("event from disconnected device dropped",
			zap.String("device", ev.DeviceID),
			zap.Error(ErrDeviceDisconnected))
		return
	}

	m, ok := b.table[tableKey{ev.DeviceID, ev.Control}]
	b.mu.Unlock()
	if !ok {
		return // unbound control, expected
	}
	if b.dispatch != nil {
		b.dispatch(m, ev.Normalize())
	}
}

// StartLearning arms a one-shot capture: the next event from deviceID
// creates a mapping with the given action/target/parameter and disarms.
// Fails with ErrLearnSessionBusy while another session is armed.
func (b *Binder) StartLearning(deviceID string, action Action, target, parameter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.learn != nil {
		return ErrLearnSessionBusy
	}
	b.learn = &learnSession{
		deviceID:  deviceID,
		action:    action,
		target:    target,
		parameter: parameter,
	}
	return nil
}

// CancelLearning disarms any pending learn session.
func (b *Binder) CancelLearning() {
	b.mu.Lock()
	b.learn = nil
	b.mu.Unlock()
}

// Learning reports whether a learn session is armed.
func (b *Binder) Learning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.learn != nil
}

// Import replaces the whole mapping table with the given list. Full
// replacement, never a merge: merging imported and live tables silently
// doubles bindings.
func (b *Binder) Import(mappings []Mapping) {
	table := make(map[tableKey]Mapping, len(mappings))
	for _, m := range mappings {
		if m.ID == (uuid.UUID{}) {
			m.ID = uuid.New()
		}
		table[tableKey{m.DeviceID, m.Control}] = m
	}
	b.mu.Lock()
	b.table = table
	b.mu.Unlock()
	b.log.Info("mapping table replaced", zap.Int("mappings", len(mappings)))
}

// Export returns the mapping table as a flat list.
func (b *Binder) Export() []Mapping {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Mapping, 0, len(b.table))
	for _, m := range b.table {
		out = append(out, m)
	}
	return out
}

// Remove deletes a single mapping by id.
func (b *Binder) Remove(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, m := range b.table {
		if m.ID == id {
			delete(b.table, k)
			return true
		}
	}
	return false
}
