package fx

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/openmixer/mixcore/pkg/audio"
)

// Slot is one position in a chain: an effect unit plus its routing state.
// Disabling a slot bypasses it during processing but keeps the unit and its
// parameters intact.
type Slot struct {
	ID       uuid.UUID
	Unit     Unit
	Enabled  bool
	Priority int // higher survives longer under resource pressure
}

// SlotInfo is the immutable view of a slot handed to snapshot readers.
type SlotInfo struct {
	ID       uuid.UUID
	Type     Type
	Enabled  bool
	Priority int
	Params   map[string]float64
}

// Chain is an ordered sequence of effect slots. Order defines signal
// routing and is entirely caller-controlled. A Chain belongs to exactly one
// deck and is mutated only from the engine's command context; it does no
// locking of its own.
type Chain struct {
	slots []*Slot
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Insert places a unit at the given index, shifting later slots right.
// Indexes outside the current bounds are clamped. The returned id addresses
// the slot in all later calls.
func (c *Chain) Insert(unit Unit, index int) uuid.UUID {
	if index < 0 {
		index = 0
	}
	if index > len(c.slots) {
		index = len(c.slots)
	}
	slot := &Slot{ID: uuid.New(), Unit: unit, Enabled: true}
	c.slots = append(c.slots, nil)
	copy(c.slots[index+1:], c.slots[index:])
	c.slots[index] = slot
	return slot.ID
}

// Append places a unit at the end of the chain.
func (c *Chain) Append(unit Unit) uuid.UUID {
	return c.Insert(unit, len(c.slots))
}

// Remove deletes the slot with the given id.
func (c *Chain) Remove(id uuid.UUID) error {
	i := c.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	c.slots = append(c.slots[:i], c.slots[i+1:]...)
	return nil
}

// Reorder moves the slot with the given id to newIndex, preserving the
// relative order of the others. newIndex is clamped to the chain bounds.
func (c *Chain) Reorder(id uuid.UUID, newIndex int) error {
	i := c.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	slot := c.slots[i]
	c.slots = append(c.slots[:i], c.slots[i+1:]...)
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(c.slots) {
		newIndex = len(c.slots)
	}
	c.slots = append(c.slots, nil)
	copy(c.slots[newIndex+1:], c.slots[newIndex:])
	c.slots[newIndex] = slot
	return nil
}

// SetEnabled switches a slot between active and bypass.
func (c *Chain) SetEnabled(id uuid.UUID, enabled bool) error {
	s := c.slot(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	s.Enabled = enabled
	return nil
}

// SetPriority sets the slot's survival priority for the optimizer.
func (c *Chain) SetPriority(id uuid.UUID, priority int) error {
	s := c.slot(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	s.Priority = priority
	return nil
}

// SetParam sets a normalized parameter on the addressed unit.
func (c *Chain) SetParam(id uuid.UUID, name string, value float64) error {
	s := c.slot(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	return s.Unit.SetParam(name, value)
}

// Process runs the buffer through every enabled slot in order. Each unit
// consumes and produces exactly the buffer's length, so chain output stays
// aligned with chain input regardless of depth.
func (c *Chain) Process(buf *audio.Buffer) {
	for _, s := range c.slots {
		if s.Enabled {
			s.Unit.Process(buf)
		}
	}
}

// Reset clears the state of every unit, enabled or not.
func (c *Chain) Reset() {
	for _, s := range c.slots {
		s.Unit.Reset()
	}
}

// Latency returns the summed group delay of the enabled slots in samples.
func (c *Chain) Latency() int {
	total := 0
	for _, s := range c.slots {
		if s.Enabled {
			total += s.Unit.Latency()
		}
	}
	return total
}

// Len returns the number of slots, enabled or not.
func (c *Chain) Len() int { return len(c.slots) }

// EnabledCount returns the number of enabled slots.
func (c *Chain) EnabledCount() int {
	n := 0
	for _, s := range c.slots {
		if s.Enabled {
			n++
		}
	}
	return n
}

// DisableLowestPriority bypasses the enabled slot with the lowest priority
// and returns its id. Used by the adaptive optimizer; a later SetEnabled
// reverses it. Returns false if nothing is enabled.
func (c *Chain) DisableLowestPriority() (uuid.UUID, bool) {
	var victim *Slot
	for _, s := range c.slots {
		if !s.Enabled {
			continue
		}
		if victim == nil || s.Priority < victim.Priority {
			victim = s
		}
	}
	if victim == nil {
		return uuid.UUID{}, false
	}
	victim.Enabled = false
	return victim.ID, true
}

// Snapshot returns an immutable view of the chain for presentation readers.
func (c *Chain) Snapshot() []SlotInfo {
	out := make([]SlotInfo, len(c.slots))
	for i, s := range c.slots {
		params := make(map[string]float64)
		for _, name := range s.Unit.ParamNames() {
			if v, ok := s.Unit.Param(name); ok {
				params[name] = v
			}
		}
		out[i] = SlotInfo{
			ID:       s.ID,
			Type:     s.Unit.Type(),
			Enabled:  s.Enabled,
			Priority: s.Priority,
			Params:   params,
		}
	}
	return out
}

func (c *Chain) index(id uuid.UUID) int {
	for i, s := range c.slots {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (c *Chain) slot(id uuid.UUID) *Slot {
	if i := c.index(id); i >= 0 {
		return c.slots[i]
	}
	return nil
}
