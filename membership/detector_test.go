package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeTick_NoTargetsIsNoop(t *testing.T) {
	net := newFakeNetwork()
	node := startTestNode(t, net, "a", inertConfig(), discoveryNodes(), Member{Version: "1"})

	sent := node.messaging.sentCount()

	node.runOn(func() {
		node.proto.probeTick()
	})

	require.Equal(t, sent, node.messaging.sentCount())
}

func TestProbeTargets_DiscoveredStubsFirst(t *testing.T) {
	net := newFakeNetwork()
	node := startTestNode(t, net, "a", inertConfig(), discoveryNodes("a", "c", "b"), Member{Version: "1"})

	node.runOn(func() {
		node.proto.updateState(Member{ID: "d", Addr: "d", Version: "1", State: StateAlive, Term: 1})
	})

	var targets []Member

	node.runOn(func() {
		targets = node.proto.probeTargets()
	})

	// Unknown discovered nodes come first, sorted by id, then registry
	// peers. The local member is never a target.
	require.Len(t, targets, 3)
	require.Equal(t, MemberID("b"), targets[0].ID)
	require.Equal(t, MemberID("c"), targets[1].ID)
	require.Equal(t, MemberID("d"), targets[2].ID)
}

func TestRequestProbes_NoPeersNoPromotion(t *testing.T) {
	net := newFakeNetwork()
	node := startTestNode(t, net, "a", inertConfig(), discoveryNodes(), Member{Version: "1"})

	node.runOn(func() {
		node.proto.requestProbes(Member{ID: "b", Addr: "b", Version: "1", State: StateAlive, Term: 1})
	})

	settle()

	_, ok := node.proto.Member("b")
	require.False(t, ok)
}

func TestHandleProbe_DisputeAdvancesTerm(t *testing.T) {
	net := newFakeNetwork()

	conf := inertConfig()
	conf.BroadcastDisputes = false

	node := startTestNode(t, net, "a", conf, discoveryNodes(), Member{Version: "1"})

	local, _ := node.proto.Member("a")

	var resp Member

	// A probe that carries a higher term forces the local term past it.
	node.runOn(func() {
		resp = node.proto.handleProbe(Member{ID: "a", Addr: "a", Version: "1", State: StateAlive, Term: local.Term + 10})
	})

	require.Equal(t, local.Term+11, resp.Term)
	require.Equal(t, StateAlive, resp.State)

	// A probe that claims we are suspect bumps the term by one.
	node.runOn(func() {
		resp = node.proto.handleProbe(Member{ID: "a", Addr: "a", Version: "1", State: StateSuspect, Term: 0})
	})

	require.Equal(t, local.Term+12, resp.Term)

	// A friendly probe changes nothing.
	node.runOn(func() {
		resp = node.proto.handleProbe(Member{ID: "a", Addr: "a", Version: "1", State: StateAlive, Term: 0})
	})

	require.Equal(t, local.Term+12, resp.Term)
}

func TestCheckFailures_PromotesAgedSuspects(t *testing.T) {
	net := newFakeNetwork()

	conf := inertConfig()
	conf.FailureTimeout = 10 * time.Millisecond

	node := startTestNode(t, net, "a", conf, discoveryNodes(), Member{Version: "1"})

	node.runOn(func() {
		node.proto.updateState(Member{ID: "b", Addr: "b", Version: "1", State: StateAlive, Term: 1})
		node.proto.updateState(Member{ID: "b", Addr: "b", Version: "1", State: StateSuspect, Term: 1})
	})

	// Not aged yet: stays suspect.
	node.runOn(func() {
		node.proto.checkFailures()
	})

	b, ok := node.proto.Member("b")
	require.True(t, ok)
	require.Equal(t, StateSuspect, b.State)

	time.Sleep(20 * time.Millisecond)

	node.runOn(func() {
		node.proto.checkFailures()
	})

	_, ok = node.proto.Member("b")
	require.False(t, ok)

	waitEvents(t, node.events, 4)

	events := node.events.forMember("b")
	require.Equal(t, MemberRemoved, events[len(events)-1].Type)
	require.Equal(t, StateDead, events[len(events)-1].Member.State)
}

func TestSelectRandomPeers_ExcludesSuspectAndSelf(t *testing.T) {
	net := newFakeNetwork()
	node := startTestNode(t, net, "a", inertConfig(), discoveryNodes(), Member{Version: "1"})

	node.runOn(func() {
		for _, id := range []MemberID{"b", "c", "d"} {
			node.proto.updateState(Member{ID: id, Addr: Address(id), Version: "1", State: StateAlive, Term: 1})
		}
	})

	var peers []Member

	node.runOn(func() {
		peers = node.proto.selectRandomPeers(10, "b")
	})

	require.Len(t, peers, 2)

	for _, peer := range peers {
		require.NotEqual(t, MemberID("a"), peer.ID)
		require.NotEqual(t, MemberID("b"), peer.ID)
	}

	node.runOn(func() {
		peers = node.proto.selectRandomPeers(1, "b")
	})

	require.Len(t, peers, 1)
}
