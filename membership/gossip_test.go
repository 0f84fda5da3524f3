package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGossipTick_EmptyQueueSendsNothing(t *testing.T) {
	net := newFakeNetwork()
	node := startTestNode(t, net, "a", inertConfig(), discoveryNodes(), Member{Version: "1"})

	node.runOn(func() {
		node.proto.updateState(Member{ID: "b", Addr: "b", Version: "1", State: StateAlive, Term: 1})
		node.proto.updates = nil
	})

	sent := node.unicast.sentCount()

	node.runOn(func() {
		node.proto.gossipTick()
	})

	require.Equal(t, sent, node.unicast.sentCount())
}

func TestGossipTick_DrainsQueueWithinFanout(t *testing.T) {
	net := newFakeNetwork()

	conf := inertConfig()
	conf.GossipFanout = 2

	node := startTestNode(t, net, "a", conf, discoveryNodes(), Member{Version: "1"})

	var queued int

	node.runOn(func() {
		for _, id := range []MemberID{"b", "c", "d", "e"} {
			node.proto.updateState(Member{ID: id, Addr: Address(id), Version: "1", State: StateAlive, Term: 1})
		}

		queued = len(node.proto.updates)
	})

	require.Equal(t, 4, queued)

	sent := node.unicast.sentCount()

	node.runOn(func() {
		node.proto.gossipTick()
		queued = len(node.proto.updates)
	})

	require.Zero(t, queued)

	require.LessOrEqual(t, node.unicast.sentCount()-sent, 2)
	require.Greater(t, node.unicast.sentCount()-sent, 0)
}

func TestGossip_NoPeersIsNoop(t *testing.T) {
	net := newFakeNetwork()
	node := startTestNode(t, net, "a", inertConfig(), discoveryNodes(), Member{Version: "1"})

	sent := node.unicast.sentCount()

	node.runOn(func() {
		node.proto.gossip([]Member{{ID: "x", Addr: "x", State: StateAlive, Term: 1}})
	})

	require.Equal(t, sent, node.unicast.sentCount())
}

func TestBroadcast_ReachesEveryPeer(t *testing.T) {
	net := newFakeNetwork()
	node := startTestNode(t, net, "a", inertConfig(), discoveryNodes(), Member{Version: "1"})

	node.runOn(func() {
		for _, id := range []MemberID{"b", "c", "d"} {
			node.proto.updateState(Member{ID: id, Addr: Address(id), Version: "1", State: StateAlive, Term: 1})
		}
	})

	sent := node.unicast.sentCount()

	node.runOn(func() {
		node.proto.broadcast(Member{ID: "b", Addr: "b", Version: "1", State: StateSuspect, Term: 1})
	})

	require.Equal(t, 3, node.unicast.sentCount()-sent)
}

func TestHandleGossip_ReconcilesBatchInOrder(t *testing.T) {
	net := newFakeNetwork()
	node := startTestNode(t, net, "a", inertConfig(), discoveryNodes(), Member{Version: "1"})

	payload, err := node.proto.config.Codec.Marshal([]Member{
		{ID: "b", Addr: "b", Version: "1", State: StateAlive, Term: 1},
		{ID: "b", Addr: "b", Version: "1", State: StateSuspect, Term: 2},
		{ID: "c", Addr: "c", Version: "1", State: StateAlive, Term: 1},
	})
	require.NoError(t, err)

	node.runOn(func() {
		node.proto.handleGossip(payload)
	})

	b, ok := node.proto.Member("b")
	require.True(t, ok)
	require.Equal(t, StateSuspect, b.State)
	require.Equal(t, int64(2), b.Term)

	_, ok = node.proto.Member("c")
	require.True(t, ok)
}

func TestHandleGossip_MalformedPayloadIgnored(t *testing.T) {
	net := newFakeNetwork()
	node := startTestNode(t, net, "a", inertConfig(), discoveryNodes(), Member{Version: "1"})

	node.runOn(func() {
		node.proto.handleGossip([]byte("{not a batch"))
	})

	require.Len(t, node.proto.Members(), 1)
}
