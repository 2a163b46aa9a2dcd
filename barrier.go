package lamellar

import "sync"

// cyclicBarrier releases its parties each time all of them arrived, and
// can be reused right away.
type cyclicBarrier struct {
	lk         sync.Mutex
	cond       *sync.Cond
	parties    int
	arrived    int
	generation uint64
}

func newCyclicBarrier(parties int) *cyclicBarrier {
	b := &cyclicBarrier{parties: parties}
	b.cond = sync.NewCond(&b.lk)
	return b
}

func (b *cyclicBarrier) wait() {
	b.lk.Lock()
	defer b.lk.Unlock()
	gen := b.generation
	b.arrived++
	if b.arrived >= b.parties {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for gen == b.generation {
		b.cond.Wait()
	}
}
