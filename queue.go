package mscbbb

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// queueDepth is the bound on outstanding commands, per §3's invariant
// that the command queue depth never exceeds 10.
const queueDepth = 10

// cmdQueue is a bounded single-producer/single-consumer ring buffer of
// commands. Enqueue is called from the BBB producer path (the
// Controller's OUT-completion callback, logically the ISR side); dequeue
// is called from the main-loop Step. Grounded on go-tcmu/device.go's
// cmdChan/respChan buffered-channel producer/consumer split, adapted per
// spec.md §9 to a fixed-capacity ring (no heap allocation per command)
// guarded by a mutex standing in for the platform critical section that
// would mask the completion interrupt on real hardware.
//
// empty is a distinct atomic flag mirroring queue state: set true by the
// consumer only when dequeue leaves the queue empty, reset false by the
// producer on any successful enqueue. Per §4.2, readers of empty never
// need the lock.
type cmdQueue struct {
	mu    sync.Mutex
	buf   [queueDepth]command
	head  int
	count int
	empty atomic.Bool
}

func newCmdQueue() *cmdQueue {
	q := &cmdQueue{}
	q.empty.Store(true)
	return q
}

// errQueueFull is returned when enqueue is attempted at the configured
// bound; per §3 this is a fatal out-of-resource error leading to a phase
// error and reset-recovery (§4.3, §7).
var errQueueFull = fmt.Errorf("mscbbb: command queue full (depth %d)", queueDepth)

func (q *cmdQueue) enqueue(c command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == queueDepth {
		return errQueueFull
	}
	tail := (q.head + q.count) % queueDepth
	q.buf[tail] = c
	q.count++
	q.empty.Store(false)
	return nil
}

func (q *cmdQueue) dequeue() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return command{}, false
	}
	c := q.buf[q.head]
	q.head = (q.head + 1) % queueDepth
	q.count--
	if q.count == 0 {
		q.empty.Store(true)
	}
	return c, true
}

func (q *cmdQueue) isEmpty() bool {
	return q.empty.Load()
}

// drain empties the queue without processing its contents. Used on reset
// recovery (§4.3) to abort any commands left queued behind an in-flight
// one.
func (q *cmdQueue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = 0
	q.count = 0
	q.empty.Store(true)
}
