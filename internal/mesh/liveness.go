package mesh

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultFailureThreshold is the number of consecutive unacknowledged
// transmissions that mark a node Dead.
const DefaultFailureThreshold = 3

// LivenessStatus is the monitor's bookkeeping for one node.
type LivenessStatus struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       int64     `json:"total_failures"`
	LastSeen            time.Time `json:"last_seen"`
}

// LivenessMonitor turns transmission outcomes into Alive/Dead transitions.
//
// Any acknowledged frame to or from a node marks it Alive; threshold
// consecutive failures mark it Dead. The Dead transition is published once
// because the registry ignores a liveness write that changes nothing.
// Death never removes a node.
type LivenessMonitor struct {
	// seq serializes outcome handling so registry writes land in the
	// order the outcomes were noted; mu guards status only.
	seq       sync.Mutex
	mu        sync.Mutex
	status    map[NodeID]*LivenessStatus
	threshold int
	registry  *Registry
	clock     clockwork.Clock
	logger    Logger
}

// NewLivenessMonitor creates a monitor. A threshold below 1 uses
// DefaultFailureThreshold.
func NewLivenessMonitor(registry *Registry, threshold int, clk clockwork.Clock, logger Logger) *LivenessMonitor {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return &LivenessMonitor{
		status:    make(map[NodeID]*LivenessStatus),
		threshold: threshold,
		registry:  registry,
		clock:     clk,
		logger:    orNoop(logger),
	}
}

// NoteSuccess records an acknowledged frame to or from id.
func (m *LivenessMonitor) NoteSuccess(id NodeID) {
	m.seq.Lock()
	defer m.seq.Unlock()

	m.mu.Lock()
	st := m.entry(id)
	st.ConsecutiveFailures = 0
	st.LastSeen = m.clock.Now()
	m.mu.Unlock()

	if err := m.registry.SetLiveness(id, LivenessAlive); err != nil {
		m.logger.Debug("liveness update skipped", "node_id", id, "error", err)
	}
}

// NoteFailure records an unacknowledged transmission to id.
func (m *LivenessMonitor) NoteFailure(id NodeID) {
	m.seq.Lock()
	defer m.seq.Unlock()

	m.mu.Lock()
	st := m.entry(id)
	st.ConsecutiveFailures++
	st.TotalFailures++
	failures := st.ConsecutiveFailures
	m.mu.Unlock()

	if failures < m.threshold {
		return
	}

	view, ok := m.registry.Get(id)
	if !ok {
		return
	}
	if view.Liveness != LivenessDead {
		m.logger.Warn("node marked dead",
			"node_id", id,
			"consecutive_failures", failures)
	}
	if err := m.registry.SetLiveness(id, LivenessDead); err != nil {
		m.logger.Debug("liveness update skipped", "node_id", id, "error", err)
	}
}

// Status returns the monitor's bookkeeping for id.
func (m *LivenessMonitor) Status(id NodeID) (LivenessStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[id]
	if !ok {
		return LivenessStatus{}, false
	}
	return *st, true
}

// Forget drops the bookkeeping for a removed node.
func (m *LivenessMonitor) Forget(id NodeID) {
	m.mu.Lock()
	delete(m.status, id)
	m.mu.Unlock()
}

func (m *LivenessMonitor) entry(id NodeID) *LivenessStatus {
	st, ok := m.status[id]
	if !ok {
		st = &LivenessStatus{}
		m.status[id] = st
	}
	return st
}
