package mesh

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInPublicationOrder(t *testing.T) {
	bus := NewBus(nil)
	var got []NodeID
	bus.Subscribe(func(e Event) { got = append(got, e.Node()) })

	for _, id := range []NodeID{3, 1, 2} {
		bus.Publish(NodeAdded{NodeID: id})
	}

	assert.Equal(t, []NodeID{3, 1, 2}, got)
}

func TestBus_EverySubscriberSeesEventBeforePublishReturns(t *testing.T) {
	bus := NewBus(nil)
	var first, second int
	bus.Subscribe(func(Event) { first++ })
	bus.Subscribe(func(Event) { second++ })

	bus.Publish(NetworkReadyChanged{Ready: true})

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	id := bus.Subscribe(func(Event) { calls++ })

	require.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id), "second unsubscribe")

	bus.Publish(NodeAdded{NodeID: 1})
	assert.Zero(t, calls)
	assert.Zero(t, bus.Len())
}

func TestBus_SubscribeDuringPublish(t *testing.T) {
	bus := NewBus(nil)
	lateCalls := 0
	var lateID SubscriptionID

	bus.Subscribe(func(e Event) {
		if lateID == 0 {
			lateID = bus.Subscribe(func(Event) { lateCalls++ })
		}
	})

	bus.Publish(NodeAdded{NodeID: 1})
	assert.Zero(t, lateCalls, "subscriber added mid-publish must not see the current event")

	bus.Publish(NodeAdded{NodeID: 2})
	assert.Equal(t, 1, lateCalls)
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus(nil)
	var secondCalls int
	var secondID SubscriptionID

	bus.Subscribe(func(Event) { bus.Unsubscribe(secondID) })
	secondID = bus.Subscribe(func(Event) { secondCalls++ })

	// The snapshot taken at publish time still includes the second handler.
	bus.Publish(NodeAdded{NodeID: 1})
	assert.Equal(t, 1, secondCalls)

	bus.Publish(NodeAdded{NodeID: 2})
	assert.Equal(t, 1, secondCalls)
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus(nil)
	delivered := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered = true })

	require.NotPanics(t, func() { bus.Publish(NodeAdded{NodeID: 1}) })
	assert.True(t, delivered)
}

func TestEvent_KindsAndNodes(t *testing.T) {
	tests := []struct {
		event Event
		kind  EventKind
		node  NodeID
	}{
		{NodeAdded{NodeID: 4}, KindNodeAdded, 4},
		{NodeRemoved{NodeID: 4}, KindNodeRemoved, 4},
		{NodeLivenessChanged{NodeID: 5, Liveness: LivenessDead}, KindNodeLivenessChanged, 5},
		{NodeInitStageChanged{NodeID: 6, Stage: StageVersion}, KindNodeInitStageChanged, 6},
		{InclusionPhaseChanged{SessionKind: KindInclude, Phase: PhaseStarted}, KindInclusionPhaseChanged, BroadcastNodeID},
		{NetworkReadyChanged{Ready: true}, KindNetworkReadyChanged, BroadcastNodeID},
		{AssociationGroupChanged{OwnerID: 7, GroupIndex: 1}, KindAssociationGroupChanged, 7},
		{NodeReport{NodeID: 8, CommandClass: ClassBasic}, KindNodeReport, 8},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.event.Kind())
			assert.Equal(t, tt.node, tt.event.Node())
		})
	}
}

func TestInclusionPhaseChanged_JSON(t *testing.T) {
	var e Event = InclusionPhaseChanged{SessionID: "s1", SessionKind: KindExclude, Phase: PhaseDone, NodeID: 9}

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","kind":"exclude","phase":"done","node_id":9}`, string(data))
}
