package engine

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRingFIFOOrder(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 5; i++ {
		if !r.Push(Command{Kind: CmdSeek, Value: float64(i)}) {
			t.Fatalf("push %d rejected", i)
		}
	}
	for i := 0; i < 5; i++ {
		c, ok := r.Pop()
		if !ok {
			t.Fatalf("pop %d: ring empty", i)
		}
		if c.Value != float64(i) {
			t.Errorf("pop %d value = %v, want %v", i, c.Value, float64(i))
		}
	}
	if _, ok := r.Pop(); ok {
		t.Error("pop on empty ring succeeded")
	}
}

func TestRingDropsWhenFull(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		if !r.Push(Command{}) {
			t.Fatalf("push %d rejected before full", i)
		}
	}
	if r.Push(Command{}) {
		t.Error("push on full ring succeeded")
	}
	if r.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", r.Dropped())
	}
	// Popping frees a slot.
	r.Pop()
	if !r.Push(Command{}) {
		t.Error("push rejected after pop freed a slot")
	}
}

func TestRingWrapAround(t *testing.T) {
	r := NewRing(4)
	for cycle := 0; cycle < 10; cycle++ {
		for i := 0; i < 3; i++ {
			if !r.Push(Command{Value: float64(cycle*10 + i)}) {
				t.Fatalf("cycle %d push %d rejected", cycle, i)
			}
		}
		for i := 0; i < 3; i++ {
			c, ok := r.Pop()
			if !ok || c.Value != float64(cycle*10+i) {
				t.Fatalf("cycle %d pop %d = (%v, %v)", cycle, i, c.Value, ok)
			}
		}
	}
}

func TestRingCapacityRoundsUp(t *testing.T) {
	r := NewRing(5)
	for i := 0; i < 8; i++ {
		if !r.Push(Command{}) {
			t.Fatalf("push %d rejected; capacity should round to 8", i)
		}
	}
	if r.Push(Command{}) {
		t.Error("ninth push succeeded in a capacity-8 ring")
	}
}

func TestRingConcurrentProducersDeliverAll(t *testing.T) {
	const (
		producers = 4
		perProd   = 5000
	)
	r := NewRing(64)

	var accepted atomic.Uint64
	var wg sync.WaitGroup
	done := make(chan struct{})

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				if r.Push(Command{Kind: CmdSeek, Deck: p, Value: float64(i)}) {
					accepted.Add(1)
				}
			}
		}(p)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	// Every accepted command must come out exactly once, fully written,
	// in per-producer order.
	var consumed uint64
	lastSeen := make([]float64, producers)
	for i := range lastSeen {
		lastSeen[i] = -1
	}
	for {
		c, ok := r.Pop()
		if !ok {
			select {
			case <-done:
				if c, ok = r.Pop(); !ok {
					goto drained
				}
			default:
				runtime.Gosched()
				continue
			}
		}
		if c.Kind != CmdSeek || c.Deck < 0 || c.Deck >= producers {
			t.Fatalf("torn command popped: %+v", c)
		}
		if c.Value <= lastSeen[c.Deck] {
			t.Fatalf("producer %d out of order: %v after %v", c.Deck, c.Value, lastSeen[c.Deck])
		}
		lastSeen[c.Deck] = c.Value
		consumed++
	}
drained:
	if consumed != accepted.Load() {
		t.Errorf("consumed %d of %d accepted commands", consumed, accepted.Load())
	}
	if accepted.Load()+r.Dropped() != producers*perProd {
		t.Errorf("accepted %d + dropped %d != %d pushes", accepted.Load(), r.Dropped(), producers*perProd)
	}
}
