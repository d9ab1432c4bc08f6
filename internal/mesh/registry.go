package mesh

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
)

// nodeRecord holds one node. seq serializes mutation and event publication
// for the node so subscribers observe its events in mutation order; view
// is swapped atomically so readers never wait on a publish.
type nodeRecord struct {
	seq     sync.Mutex
	view    atomic.Pointer[NodeView]
	removed bool
}

// Registry owns the authoritative set of nodes.
//
// Callers only ever receive NodeView snapshots. Every accepted mutation
// publishes its event on the Bus after it commits; rejected mutations
// publish nothing. The map lock is held only to find or insert a record,
// so mutations of unrelated nodes proceed independently.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[NodeID]*nodeRecord
	groups *AssociationManager
	bus    *Bus
	clock  clockwork.Clock
}

// NewRegistry creates an empty registry. Removing a node cascades into
// groups.
func NewRegistry(bus *Bus, groups *AssociationManager, clk clockwork.Clock) *Registry {
	return &Registry{
		nodes:  make(map[NodeID]*nodeRecord),
		groups: groups,
		bus:    bus,
		clock:  clk,
	}
}

// Upsert returns the node's view, creating it with Unknown liveness at
// StageIdentify if it does not exist. created reports whether it was new.
func (r *Registry) Upsert(id NodeID) (view NodeView, created bool, err error) {
	if !id.Valid() {
		return NodeView{}, false, fmt.Errorf("%w: %d", ErrInvalidNodeID, id)
	}

	r.mu.Lock()
	if rec, ok := r.nodes[id]; ok {
		r.mu.Unlock()
		return rec.view.Load().Clone(), false, nil
	}

	now := r.clock.Now()
	v := &NodeView{
		ID:        id,
		Liveness:  LivenessUnknown,
		Stage:     StageIdentify,
		AddedAt:   now,
		UpdatedAt: now,
	}
	rec := &nodeRecord{}
	rec.view.Store(v)
	// Hold seq before the record becomes visible so NodeAdded is the
	// node's first event.
	rec.seq.Lock()
	r.nodes[id] = rec
	r.mu.Unlock()

	r.bus.Publish(NodeAdded{NodeID: id})
	rec.seq.Unlock()

	return v.Clone(), true, nil
}

// Get returns a snapshot of the node.
func (r *Registry) Get(id NodeID) (NodeView, bool) {
	rec := r.record(id)
	if rec == nil {
		return NodeView{}, false
	}
	return rec.view.Load().Clone(), true
}

// List returns snapshots of every node ordered by id.
func (r *Registry) List() []NodeView {
	r.mu.RLock()
	views := make([]NodeView, 0, len(r.nodes))
	for _, rec := range r.nodes {
		views = append(views, rec.view.Load().Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(views, func(a, b NodeView) int { return int(a.ID) - int(b.ID) })
	return views
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// AllTerminal reports whether every known node has finished its interview.
func (r *Registry) AllTerminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.nodes {
		if !rec.view.Load().Stage.Terminal() {
			return false
		}
	}
	return true
}

// SetLiveness records the node's reachability. Setting the current value
// is not a mutation and publishes nothing.
func (r *Registry) SetLiveness(id NodeID, l Liveness) error {
	return r.mutate(id, func(v *NodeView) (Event, error) {
		if v.Liveness == l {
			return nil, nil
		}
		v.Liveness = l
		return NodeLivenessChanged{NodeID: id, Liveness: l}, nil
	})
}

// AdvanceStage moves the node to a strictly later stage. Moving to the same
// or an earlier stage, or out of a terminal stage, returns
// ErrStageRegression and changes nothing.
func (r *Registry) AdvanceStage(id NodeID, stage Stage) error {
	return r.commitStage(id, stage, FailureNone, nil)
}

// FailStage moves the node to StageFailed with reason.
func (r *Registry) FailStage(id NodeID, reason FailureReason) error {
	return r.commitStage(id, StageFailed, reason, nil)
}

// ResetStage forces the node back to StageIdentify and clears the data
// gathered by its previous interview, association groups included. It is
// the only way a stage moves backwards and is used when a node is
// re-admitted.
func (r *Registry) ResetStage(id NodeID) error {
	err := r.mutate(id, func(v *NodeView) (Event, error) {
		v.Stage = StageIdentify
		v.FailureReason = FailureNone
		v.NodeInfo = NodeInfo{}
		return NodeInitStageChanged{NodeID: id, Stage: StageIdentify}, nil
	})
	if err != nil {
		return err
	}
	if r.groups != nil {
		r.groups.ClearOwner(id)
	}
	return nil
}

// commitStage advances the stage and, when info is non-nil, replaces the
// node's descriptive data in the same mutation.
func (r *Registry) commitStage(id NodeID, stage Stage, reason FailureReason, info *NodeInfo) error {
	return r.mutate(id, func(v *NodeView) (Event, error) {
		if v.Stage.Terminal() || stage <= v.Stage {
			return nil, fmt.Errorf("%w: node %d %s -> %s", ErrStageRegression, id, v.Stage, stage)
		}
		if info != nil {
			v.NodeInfo = info.clone()
		}
		v.Stage = stage
		if stage == StageFailed {
			if reason == FailureNone {
				reason = FailureAborted
			}
			v.FailureReason = reason
		}
		return NodeInitStageChanged{NodeID: id, Stage: stage, Reason: v.FailureReason}, nil
	})
}

// Remove deletes the node, the association groups it owns, and its
// membership in every other node's groups, then publishes NodeRemoved.
func (r *Registry) Remove(id NodeID) error {
	r.mu.Lock()
	rec, ok := r.nodes[id]
	if ok {
		delete(r.nodes, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	rec.seq.Lock()
	defer rec.seq.Unlock()
	rec.removed = true

	if r.groups != nil {
		r.groups.RemoveOwner(id)
	}
	r.bus.Publish(NodeRemoved{NodeID: id})
	return nil
}

func (r *Registry) record(id NodeID) *nodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// mutate applies fn to a copy of the node's view. A nil event means no
// change; an error rejects the mutation.
func (r *Registry) mutate(id NodeID, fn func(v *NodeView) (Event, error)) error {
	rec := r.record(id)
	if rec == nil {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	rec.seq.Lock()
	defer rec.seq.Unlock()
	if rec.removed {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	v := rec.view.Load().Clone()
	ev, err := fn(&v)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	v.UpdatedAt = r.clock.Now()
	rec.view.Store(&v)

	r.bus.Publish(ev)
	return nil
}
