package membership

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/thirstycrow/atomix/discovery"
)

var errUnreachable = errors.New("peer unreachable")

// fakeNetwork connects protocol instances in process. Addresses are plain
// strings; individual links can be cut to simulate partitions.
type fakeNetwork struct {
	mut       sync.Mutex
	messaging map[Address]*fakeMessaging
	unicasts  map[Address]*fakeUnicast
	cut       map[[2]Address]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		messaging: make(map[Address]*fakeMessaging),
		unicasts:  make(map[Address]*fakeUnicast),
		cut:       make(map[[2]Address]bool),
	}
}

// cutLink drops all traffic from one address to another, in one direction.
func (n *fakeNetwork) cutLink(from, to Address) {
	n.mut.Lock()
	defer n.mut.Unlock()

	n.cut[[2]Address{from, to}] = true
}

func (n *fakeNetwork) restoreLink(from, to Address) {
	n.mut.Lock()
	defer n.mut.Unlock()

	delete(n.cut, [2]Address{from, to})
}

func (n *fakeNetwork) isCut(from, to Address) bool {
	n.mut.Lock()
	defer n.mut.Unlock()

	return n.cut[[2]Address{from, to}]
}

func (n *fakeNetwork) messagingFor(addr Address) *fakeMessaging {
	n.mut.Lock()
	defer n.mut.Unlock()

	if m, ok := n.messaging[addr]; ok {
		return m
	}

	m := &fakeMessaging{
		net:      n,
		addr:     addr,
		handlers: make(map[string]func(Address, []byte, ReplyFunc)),
	}
	n.messaging[addr] = m

	return m
}

func (n *fakeNetwork) unicastFor(addr Address) *fakeUnicast {
	n.mut.Lock()
	defer n.mut.Unlock()

	if u, ok := n.unicasts[addr]; ok {
		return u
	}

	u := &fakeUnicast{
		net:       n,
		addr:      addr,
		listeners: make(map[string]func(Address, []byte)),
	}
	n.unicasts[addr] = u

	return u
}

type fakeMessaging struct {
	net  *fakeNetwork
	addr Address

	mut      sync.Mutex
	handlers map[string]func(Address, []byte, ReplyFunc)
	sent     int
}

var _ MessagingService = (*fakeMessaging)(nil)

func (m *fakeMessaging) RegisterHandler(topic string, handler func(Address, []byte, ReplyFunc)) {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.handlers[topic] = handler
}

func (m *fakeMessaging) UnregisterHandler(topic string) {
	m.mut.Lock()
	defer m.mut.Unlock()

	delete(m.handlers, topic)
}

func (m *fakeMessaging) sentCount() int {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.sent
}

func (m *fakeMessaging) SendReceive(to Address, topic string, payload []byte, reply ReplyFunc) {
	m.mut.Lock()
	m.sent++
	m.mut.Unlock()

	go func() {
		if m.net.isCut(m.addr, to) {
			reply(nil, errUnreachable)
			return
		}

		m.net.mut.Lock()
		target, ok := m.net.messaging[to]
		m.net.mut.Unlock()

		if !ok {
			reply(nil, errUnreachable)
			return
		}

		target.mut.Lock()
		handler, ok := target.handlers[topic]
		target.mut.Unlock()

		if !ok {
			reply(nil, errUnreachable)
			return
		}

		handler(m.addr, payload, reply)
	}()
}

type fakeUnicast struct {
	net  *fakeNetwork
	addr Address

	mut       sync.Mutex
	listeners map[string]func(Address, []byte)
	sent      int
}

var _ UnicastService = (*fakeUnicast)(nil)

func (u *fakeUnicast) AddListener(topic string, listener func(Address, []byte)) {
	u.mut.Lock()
	defer u.mut.Unlock()

	u.listeners[topic] = listener
}

func (u *fakeUnicast) RemoveListener(topic string) {
	u.mut.Lock()
	defer u.mut.Unlock()

	delete(u.listeners, topic)
}

func (u *fakeUnicast) sentCount() int {
	u.mut.Lock()
	defer u.mut.Unlock()

	return u.sent
}

func (u *fakeUnicast) Unicast(to Address, topic string, payload []byte) error {
	u.mut.Lock()
	u.sent++
	u.mut.Unlock()

	go func() {
		if u.net.isCut(u.addr, to) {
			return
		}

		u.net.mut.Lock()
		target, ok := u.net.unicasts[to]
		u.net.mut.Unlock()

		if !ok {
			return
		}

		target.mut.Lock()
		listener, ok := target.listeners[topic]
		target.mut.Unlock()

		if ok {
			listener(u.addr, payload)
		}
	}()

	return nil
}

// eventRecorder collects events delivered to a listener.
type eventRecorder struct {
	mut    sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []Event {
	r.mut.Lock()
	defer r.mut.Unlock()

	events := make([]Event, len(r.events))
	copy(events, r.events)

	return events
}

func (r *eventRecorder) forMember(id MemberID) []Event {
	var events []Event

	for _, e := range r.snapshot() {
		if e.Member.ID == id {
			events = append(events, e)
		}
	}

	return events
}

func (r *eventRecorder) count() int {
	r.mut.Lock()
	defer r.mut.Unlock()

	return len(r.events)
}

type testNode struct {
	id     MemberID
	addr   Address
	proto  *Protocol
	events *eventRecorder

	messaging *fakeMessaging
	unicast   *fakeUnicast
}

// startTestNode joins a protocol instance to the fake network. The node's
// address is its id.
func startTestNode(t *testing.T, net *fakeNetwork, id string, conf Config, disc discovery.Provider, member Member) *testNode {
	t.Helper()

	node := &testNode{
		id:        MemberID(id),
		addr:      Address(id),
		proto:     New(conf),
		events:    &eventRecorder{},
		messaging: net.messagingFor(Address(id)),
		unicast:   net.unicastFor(Address(id)),
	}

	node.proto.AddListener(node.events.record)

	member.ID = node.id
	member.Addr = node.addr

	err := node.proto.Join(
		Bootstrap{Messaging: node.messaging, Unicast: node.unicast},
		disc,
		member,
	)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	t.Cleanup(func() {
		_ = node.proto.Leave()
	})

	return node
}

// runOn executes fn on the node's scheduler and waits for it to finish, so
// tests can drive internal operations without racing the worker.
func (n *testNode) runOn(fn func()) {
	done := make(chan struct{})

	n.proto.sched.Submit(func() {
		defer close(done)
		fn()
	})

	<-done
}

// inertConfig returns a config whose timers are effectively disabled, for
// tests that drive ticks by hand.
func inertConfig() Config {
	conf := DefaultConfig()
	conf.ProbeInterval = time.Hour
	conf.GossipInterval = time.Hour
	conf.FailureTimeout = time.Hour

	return conf
}

// fastConfig returns a config tuned for quick end-to-end convergence.
func fastConfig() Config {
	conf := DefaultConfig()
	conf.ProbeInterval = 20 * time.Millisecond
	conf.GossipInterval = 20 * time.Millisecond
	conf.FailureTimeout = 250 * time.Millisecond
	conf.SuspectProbes = 1

	return conf
}

func discoveryNodes(ids ...string) *discovery.Bootstrap {
	nodes := make([]discovery.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, discovery.Node{ID: id, Addr: id})
	}

	return discovery.NewBootstrap(nodes...)
}
