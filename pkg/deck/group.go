package deck

import (
	"sync"
	"sync/atomic"
)

// Group owns the sync relationship between the session's decks. At most one
// deck is master at any time; promoting another demotes the previous one in
// the same critical section, so no observer ever sees two masters.
// Concurrent reassignment from two control surfaces resolves last-writer-
// wins. The master reference itself is an atomic pointer: the render path
// reads it every buffer and must not block on the control-plane mutex.
type Group struct {
	mu     sync.Mutex
	decks  []*Deck
	master atomic.Pointer[Deck]
}

// NewGroup creates a sync group over the given decks.
func NewGroup(decks ...*Deck) *Group {
	g := &Group{decks: decks}
	for _, d := range decks {
		d.group = g
	}
	return g
}

// Decks returns the member decks in session order.
func (g *Group) Decks() []*Deck {
	out := make([]*Deck, len(g.decks))
	copy(out, g.decks)
	return out
}

// Master returns the current master deck, or nil. Lock-free.
func (g *Group) Master() *Deck {
	return g.master.Load()
}

// SetSync changes a deck's sync mode. Setting SyncMaster atomically clears
// master status from any other deck. A master that leaves master mode
// leaves followers free-running on their own pitch until a new master is
// assigned.
func (g *Group) SetSync(d *Deck, mode SyncMode) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch mode {
	case SyncMaster:
		if prev := g.master.Load(); prev != nil && prev != d {
			prev.syncMode = SyncFree
		}
		d.syncMode = mode
		g.master.Store(d)
	default:
		d.syncMode = mode
		if g.master.Load() == d {
			g.master.Store(nil)
		}
	}
}
