package mesh

import (
	"fmt"
	"slices"
	"sync"
)

// Group is one association group of a node.
type Group struct {
	Index   uint8    `json:"group_index"`
	Members []NodeID `json:"members"`
}

// groupTable holds the groups owned by one node. Committed groups are
// visible to readers; pending holds reports still being assembled and is
// never visible.
type groupTable struct {
	seq     sync.Mutex
	mu      sync.RWMutex
	groups  map[uint8][]NodeID
	pending map[uint8][]NodeID
	removed bool
}

func newGroupTable() *groupTable {
	return &groupTable{
		groups:  make(map[uint8][]NodeID),
		pending: make(map[uint8][]NodeID),
	}
}

// AssociationManager owns every node's association groups.
//
// Membership is only ever replaced as a whole. Multi-frame reports are
// collected with BeginReport and Append and become visible on Commit, which
// publishes exactly one AssociationGroupChanged.
type AssociationManager struct {
	mu     sync.RWMutex
	owners map[NodeID]*groupTable
	bus    *Bus
}

// NewAssociationManager creates an empty manager.
func NewAssociationManager(bus *Bus) *AssociationManager {
	return &AssociationManager{
		owners: make(map[NodeID]*groupTable),
		bus:    bus,
	}
}

// UpdateGroup replaces a group's membership in one step.
func (m *AssociationManager) UpdateGroup(owner NodeID, group uint8, members []NodeID) {
	m.BeginReport(owner, group)
	// The report was just begun, so Append and Commit cannot fail.
	_ = m.Append(owner, group, members)
	_ = m.Commit(owner, group)
}

// BeginReport starts assembling a report for (owner, group), discarding
// any earlier unfinished one.
func (m *AssociationManager) BeginReport(owner NodeID, group uint8) {
	t := m.table(owner, true)
	t.mu.Lock()
	t.pending[group] = []NodeID{}
	t.mu.Unlock()
}

// Append adds a chunk of members to the report in progress.
func (m *AssociationManager) Append(owner NodeID, group uint8, members []NodeID) error {
	t := m.table(owner, false)
	if t == nil {
		return fmt.Errorf("%w: node %d group %d", ErrNoReportInProgress, owner, group)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	buf, ok := t.pending[group]
	if !ok {
		return fmt.Errorf("%w: node %d group %d", ErrNoReportInProgress, owner, group)
	}
	t.pending[group] = append(buf, members...)
	return nil
}

// Commit swaps the assembled report into the visible table and publishes
// AssociationGroupChanged.
func (m *AssociationManager) Commit(owner NodeID, group uint8) error {
	t := m.table(owner, false)
	if t == nil {
		return fmt.Errorf("%w: node %d group %d", ErrNoReportInProgress, owner, group)
	}

	t.seq.Lock()
	defer t.seq.Unlock()

	t.mu.Lock()
	buf, ok := t.pending[group]
	if !ok || t.removed {
		t.mu.Unlock()
		return fmt.Errorf("%w: node %d group %d", ErrNoReportInProgress, owner, group)
	}
	delete(t.pending, group)
	t.groups[group] = buf
	t.mu.Unlock()

	m.bus.Publish(groupChanged(owner, group, buf))
	return nil
}

// Discard drops a report in progress.
func (m *AssociationManager) Discard(owner NodeID, group uint8) {
	if t := m.table(owner, false); t != nil {
		t.mu.Lock()
		delete(t.pending, group)
		t.mu.Unlock()
	}
}

// Reporting reports whether a report for (owner, group) is being assembled.
func (m *AssociationManager) Reporting(owner NodeID, group uint8) bool {
	t := m.table(owner, false)
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.pending[group]
	return ok
}

// Group returns a copy of the committed members of (owner, group).
func (m *AssociationManager) Group(owner NodeID, group uint8) ([]NodeID, bool) {
	t := m.table(owner, false)
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	members, ok := t.groups[group]
	if !ok {
		return nil, false
	}
	return slices.Clone(members), true
}

// Groups returns every committed group of owner ordered by index.
func (m *AssociationManager) Groups(owner NodeID) []Group {
	t := m.table(owner, false)
	if t == nil {
		return nil
	}
	t.mu.RLock()
	out := make([]Group, 0, len(t.groups))
	for idx, members := range t.groups {
		out = append(out, Group{Index: idx, Members: slices.Clone(members)})
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Group) int { return int(a.Index) - int(b.Index) })
	return out
}

// RemoveOwner deletes every group owned by owner and prunes owner from
// the members of all other groups. Each pruned group publishes one
// AssociationGroupChanged; groups that did not contain owner are untouched.
func (m *AssociationManager) RemoveOwner(owner NodeID) {
	m.mu.Lock()
	if t, ok := m.owners[owner]; ok {
		t.mu.Lock()
		t.removed = true
		t.mu.Unlock()
		delete(m.owners, owner)
	}
	others := make(map[NodeID]*groupTable, len(m.owners))
	for id, t := range m.owners {
		others[id] = t
	}
	m.mu.Unlock()

	ids := make([]NodeID, 0, len(others))
	for id := range others {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		m.prune(id, others[id], owner)
	}
}

// ClearOwner forgets every group owned by owner, including reports in
// progress, while leaving owner in other nodes' groups. Each group that was
// visible publishes one AssociationGroupChanged with no members.
func (m *AssociationManager) ClearOwner(owner NodeID) {
	m.mu.Lock()
	t, ok := m.owners[owner]
	delete(m.owners, owner)
	m.mu.Unlock()
	if !ok {
		return
	}

	t.seq.Lock()
	defer t.seq.Unlock()

	t.mu.Lock()
	t.removed = true
	cleared := make([]uint8, 0, len(t.groups))
	for idx := range t.groups {
		cleared = append(cleared, idx)
	}
	t.mu.Unlock()

	slices.Sort(cleared)
	for _, idx := range cleared {
		m.bus.Publish(groupChanged(owner, idx, []NodeID{}))
	}
}

func (m *AssociationManager) prune(id NodeID, t *groupTable, member NodeID) {
	t.seq.Lock()
	defer t.seq.Unlock()

	var changed []Group
	t.mu.Lock()
	for idx, members := range t.groups {
		if !slices.Contains(members, member) {
			continue
		}
		kept := slices.DeleteFunc(slices.Clone(members), func(n NodeID) bool { return n == member })
		t.groups[idx] = kept
		changed = append(changed, Group{Index: idx, Members: kept})
	}
	for idx, buf := range t.pending {
		t.pending[idx] = slices.DeleteFunc(buf, func(n NodeID) bool { return n == member })
	}
	t.mu.Unlock()

	slices.SortFunc(changed, func(a, b Group) int { return int(a.Index) - int(b.Index) })
	for _, g := range changed {
		m.bus.Publish(groupChanged(id, g.Index, g.Members))
	}
}

func (m *AssociationManager) table(owner NodeID, create bool) *groupTable {
	m.mu.RLock()
	t := m.owners[owner]
	m.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t = m.owners[owner]; t == nil {
		t = newGroupTable()
		m.owners[owner] = t
	}
	return t
}
