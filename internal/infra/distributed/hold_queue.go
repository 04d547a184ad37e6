package distributed

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rollgate/rollgate/pkg/logging"
)

// holdReplayInterval is how often parked operations are replayed against
// the primary queue.
const holdReplayInterval = 30 * time.Second

// heldOp is an enqueue closure parked while Redis is degraded.
type heldOp struct {
	id       string
	label    string
	deadline time.Time
	tries    int
	run      func() error
}

// holdQueue keeps failed enqueue closures in memory and replays them in the
// background until they succeed or outlive their TTL. It is a bounded-loss
// degradation path, not durable storage: held operations die with the
// process.
type holdQueue struct {
	mu   sync.Mutex
	ops  map[string]*heldOp
	ttl  time.Duration
	seq  atomic.Uint64
	log  *logging.Logger
	done chan struct{}
	wg   sync.WaitGroup
}

func newHoldQueue(ttl time.Duration) *holdQueue {
	q := &holdQueue{
		ops:  make(map[string]*heldOp),
		ttl:  ttl,
		log:  logging.NewLogger("hold-queue"),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.replayLoop()
	return q
}

// add parks an operation. The closure is replayed as-is, so any context it
// captured should outlive the hold TTL.
func (q *holdQueue) add(label string, fn func() error) {
	op := &heldOp{
		id:       fmt.Sprintf("%s#%d", label, q.seq.Add(1)),
		label:    label,
		deadline: time.Now().Add(q.ttl),
		run:      fn,
	}

	q.mu.Lock()
	q.ops[op.id] = op
	q.mu.Unlock()

	q.log.Info("Parked %s in hold queue as %s", label, op.id)
}

func (q *holdQueue) replayLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(holdReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.dropExpired()
			q.flush()
		case <-q.done:
			return
		}
	}
}

// flush replays every held operation once and removes the ones that succeed.
// Returns the number recovered.
func (q *holdQueue) flush() int {
	q.mu.Lock()
	pending := make([]*heldOp, 0, len(q.ops))
	for _, op := range q.ops {
		pending = append(pending, op)
	}
	q.mu.Unlock()

	recovered := 0
	for _, op := range pending {
		op.tries++
		if err := op.run(); err != nil {
			q.log.Warn("Replay of %s failed (attempt %d): %v", op.id, op.tries, err)
			continue
		}
		q.mu.Lock()
		delete(q.ops, op.id)
		q.mu.Unlock()
		recovered++
	}

	if recovered > 0 {
		q.log.Info("Replayed %d of %d held operations", recovered, len(pending))
	}
	return recovered
}

func (q *holdQueue) dropExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	dropped := 0
	for id, op := range q.ops {
		if op.deadline.Before(now) {
			delete(q.ops, id)
			dropped++
		}
	}
	if dropped > 0 {
		q.log.Warn("Dropped %d held operations past their TTL", dropped)
	}
}

func (q *holdQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// shutdown stops the replay loop and discards whatever is still parked.
func (q *holdQueue) shutdown() {
	close(q.done)
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.ops); n > 0 {
		q.log.Warn("Hold queue shut down with %d operations still parked", n)
	}
	q.ops = make(map[string]*heldOp)
}
