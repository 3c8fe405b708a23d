// Package engine wires decks, the mix bus, the video compositor, control
// surfaces and the adaptive optimizer into one running session. The audio
// render loop is the single owner of all deck and effect state; every
// other goroutine talks to it through a lock-free command ring.
package engine

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// CommandKind identifies what a Command asks the render loop to do.
type CommandKind uint8

const (
	CmdLoad CommandKind = iota
	CmdUnload
	CmdPlay
	CmdPause
	CmdStop
	CmdSeek
	CmdSetPitch
	CmdSetSync
	CmdSetKeylock
	CmdJumpCue
	CmdSetLoop
	CmdClearLoop
	CmdSetVolume
	CmdSetTrim
	CmdSetPan
	CmdSetCrossfader
	CmdFXParam
	CmdFXToggle
	CmdFXShed
	CmdFXRestore
	CmdApplyAnalysis
)

// Command is one instruction for the render loop. It is a flat value type
// so pushing and popping never allocates.
type Command struct {
	Kind  CommandKind
	Deck  int
	Value float64
	Aux   float64   // second numeric operand (loop end, sync mode)
	ID    uuid.UUID // hot cue or effect slot
	Name  string    // effect parameter name
	Ptr   any       // track pointer for CmdLoad
}

// Ring is a multi-producer single-consumer command queue. Control-plane
// goroutines push concurrently, the render loop pops; producers claim a
// slot with a CAS on the write position and hand it to the consumer by
// bumping the slot's sequence number, so the consumer never observes a
// half-written command. The slice is never resized and neither side ever
// blocks the other.
//
// When the ring is full the push is dropped and counted. A stale control
// gesture is worthless, so dropping beats stalling the producer.
type Ring struct {
	slots []ringSlot
	mask  uint64

	readPos  atomic.Uint64
	writePos atomic.Uint64
	dropped  atomic.Uint64
}

// ringSlot pairs a command with its handoff sequence. seq == slot index
// means free for the producer of that lap; seq == index+1 means the
// command is ready for the consumer.
type ringSlot struct {
	seq atomic.Uint64
	cmd Command
}

// NewRing creates a ring with capacity rounded up to a power of two.
func NewRing(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	size := nextPowerOf2(uint64(capacity))
	r := &Ring{
		slots: make([]ringSlot, size),
		mask:  size - 1,
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Push enqueues a command. Returns false when the ring is full; the
// command is counted as dropped, not queued. Safe for concurrent
// producers.
func (r *Ring) Push(c Command) bool {
	for {
		pos := r.writePos.Load()
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos:
			if r.writePos.CompareAndSwap(pos, pos+1) {
				slot.cmd = c
				slot.seq.Store(pos + 1)
				return true
			}
		case seq < pos:
			// The consumer has not freed this slot yet: full.
			r.dropped.Add(1)
			return false
		}
		// seq > pos: another producer won the slot, reload and retry.
	}
}

// Pop dequeues the oldest command, reporting false when empty. Single
// consumer only.
func (r *Ring) Pop() (Command, bool) {
	pos := r.readPos.Load()
	slot := &r.slots[pos&r.mask]
	if slot.seq.Load() != pos+1 {
		return Command{}, false
	}
	c := slot.cmd
	// Free the slot for the producer one lap ahead, after the copy.
	slot.seq.Store(pos + uint64(len(r.slots)))
	r.readPos.Store(pos + 1)
	return c, true
}

// Len returns the number of queued commands.
func (r *Ring) Len() int {
	return int(r.writePos.Load() - r.readPos.Load())
}

// Dropped returns how many pushes were rejected on a full ring.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

func nextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
