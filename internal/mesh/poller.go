package mesh

import (
	"container/heap"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// pollEntry is a node's single pending poll. A zero interval is a one-shot
// poll. The entry stays in Poller.pending while it fires so no second poll
// for the node can be scheduled meanwhile.
type pollEntry struct {
	node     NodeID
	due      time.Time
	interval time.Duration
	index    int
	firing   bool
}

// pollQueue is a min-heap of pending polls ordered by due time.
type pollQueue []*pollEntry

func (q pollQueue) Len() int { return len(q) }

func (q pollQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].node < q[j].node
	}
	return q[i].due.Before(q[j].due)
}

func (q pollQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pollQueue) Push(x any) {
	e := x.(*pollEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *pollQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// pollFunc transmits a node's poll frame and reports the outcome.
type pollFunc func(ctx context.Context, id NodeID) error

// Poller schedules one-shot, delayed and periodic polls.
//
// At most one poll is pending per node: a delayed request for a node that
// already has one is ignored. Periodic polls are suspended while the node
// is Dead or Failed and resume when the Bus reports recovery.
type Poller struct {
	mu        sync.Mutex
	queue     pollQueue
	pending   map[NodeID]*pollEntry
	suspended map[NodeID]time.Duration
	registry  *Registry
	poll      pollFunc
	clock     clockwork.Clock
	wake      chan struct{}
	logger    Logger
}

// NewPoller creates a scheduler that fires polls through poll.
func NewPoller(registry *Registry, poll pollFunc, clk clockwork.Clock, logger Logger) *Poller {
	return &Poller{
		pending:   make(map[NodeID]*pollEntry),
		suspended: make(map[NodeID]time.Duration),
		registry:  registry,
		poll:      poll,
		clock:     clk,
		wake:      make(chan struct{}, 1),
		logger:    orNoop(logger),
	}
}

// ScheduleDelayed queues a one-shot poll after delay. It reports false
// when the node already has a pending poll, in which case nothing changes.
func (p *Poller) ScheduleDelayed(id NodeID, delay time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[id]; ok {
		return false
	}
	p.push(&pollEntry{node: id, due: p.clock.Now().Add(delay)})
	return true
}

// SchedulePeriodic polls id every interval. An already pending poll keeps
// its due time and becomes periodic.
func (p *Poller) SchedulePeriodic(id NodeID, interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.pending[id]; ok {
		e.interval = interval
		return
	}
	delete(p.suspended, id)
	p.push(&pollEntry{node: id, due: p.clock.Now().Add(interval), interval: interval})
}

// PollNow makes the node's pending poll due immediately, or queues a
// one-shot poll if none is pending. A poll that is already firing is left
// alone.
func (p *Poller) PollNow(id NodeID) {
	if !p.Expedite(id) {
		p.ScheduleDelayed(id, 0)
	}
}

// Expedite moves an existing pending poll to now. It reports whether the
// node had a pending poll.
func (p *Poller) Expedite(id NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pending[id]
	if !ok {
		return false
	}
	if e.firing {
		return true
	}
	now := p.clock.Now()
	if e.due.After(now) {
		e.due = now
		heap.Fix(&p.queue, e.index)
		signal(p.wake)
	}
	return true
}

// Cancel removes every pending and suspended poll for id.
func (p *Poller) Cancel(id NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.pending[id]; ok {
		if !e.firing {
			heap.Remove(&p.queue, e.index)
		}
		delete(p.pending, id)
	}
	delete(p.suspended, id)
}

// Pending returns the due time of the node's pending poll.
func (p *Poller) Pending(id NodeID) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.pending[id]; ok {
		return e.due, true
	}
	return time.Time{}, false
}

// Queued returns the node ids waiting in the queue in due order.
func (p *Poller) Queued() []NodeID {
	p.mu.Lock()
	entries := slices.Clone(p.queue)
	p.mu.Unlock()

	slices.SortFunc(entries, func(a, b *pollEntry) int {
		if a.due.Equal(b.due) {
			return int(a.node) - int(b.node)
		}
		return a.due.Compare(b.due)
	})
	ids := make([]NodeID, len(entries))
	for i, e := range entries {
		ids[i] = e.node
	}
	return ids
}

// Suspended reports whether the node's periodic poll is suspended.
func (p *Poller) Suspended(id NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.suspended[id]
	return ok
}

// Run fires polls as they come due until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	return runDeadlineLoop(ctx, p.clock, p.wake, p.nextDue, p.fireDue)
}

// HandleEvent resumes suspended periodic polls when a node recovers and
// drops polls for removed nodes.
func (p *Poller) HandleEvent(e Event) {
	switch ev := e.(type) {
	case NodeLivenessChanged:
		if ev.Liveness == LivenessAlive {
			p.resume(ev.NodeID)
		}
	case NodeInitStageChanged:
		// A reset to StageIdentify means a new interview is under way; the
		// poll waits until it completes.
		if ev.Stage == StageComplete {
			p.resume(ev.NodeID)
		}
	case NodeRemoved:
		p.Cancel(ev.NodeID)
	}
}

func (p *Poller) nextDue() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return time.Time{}, false
	}
	return p.queue[0].due, true
}

// fireDue fires every poll due at the current time, one at a time.
func (p *Poller) fireDue(ctx context.Context) {
	for {
		e := p.popDue()
		if e == nil {
			return
		}
		if err := p.poll(ctx, e.node); err != nil {
			p.logger.Debug("poll failed", "node_id", e.node, "error", err)
		}
		p.finish(e)
	}
}

func (p *Poller) popDue() *pollEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 || p.queue[0].due.After(p.clock.Now()) {
		return nil
	}
	e := heap.Pop(&p.queue).(*pollEntry)
	e.firing = true
	return e
}

// finish re-queues a periodic poll or releases the node's pending slot.
func (p *Poller) finish(e *pollEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.firing = false
	if p.pending[e.node] != e {
		return
	}
	if e.interval <= 0 {
		delete(p.pending, e.node)
		return
	}

	view, ok := p.registry.Get(e.node)
	if !ok {
		delete(p.pending, e.node)
		return
	}
	if view.Liveness == LivenessDead || view.Stage == StageFailed {
		delete(p.pending, e.node)
		p.suspended[e.node] = e.interval
		p.logger.Info("periodic poll suspended", "node_id", e.node,
			"liveness", view.Liveness, "stage", view.Stage)
		return
	}
	e.due = p.clock.Now().Add(e.interval)
	heap.Push(&p.queue, e)
}

// resume restarts a suspended periodic poll once the node is neither Dead
// nor Failed.
func (p *Poller) resume(id NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	interval, ok := p.suspended[id]
	if !ok {
		return
	}
	view, ok := p.registry.Get(id)
	if !ok || view.Liveness == LivenessDead || view.Stage == StageFailed {
		return
	}
	delete(p.suspended, id)
	if e, ok := p.pending[id]; ok {
		e.interval = interval
		return
	}
	p.push(&pollEntry{node: id, due: p.clock.Now(), interval: interval})
	p.logger.Info("periodic poll resumed", "node_id", id)
}

// push must be called with p.mu held.
func (p *Poller) push(e *pollEntry) {
	p.pending[e.node] = e
	heap.Push(&p.queue, e)
	signal(p.wake)
}
