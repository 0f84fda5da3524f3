// Package membership implements a SWIM-style cluster membership protocol:
// periodic direct probes, indirect probes through peers on failure, and
// infection-style dissemination of membership updates. Each node maintains an
// eventually consistent view of its peers and emits events as that view
// changes.
package membership

import (
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/thirstycrow/atomix/discovery"
	"github.com/thirstycrow/atomix/internal/telemetry"
)

const (
	probeTopic        = "atomix-membership-probe"
	probeRequestTopic = "atomix-membership-probe-request"
	gossipTopic       = "atomix-membership-gossip"
)

// Protocol is a SWIM membership protocol instance. Create one with New,
// activate it with Join and tear it down with Leave.
type Protocol struct {
	config Config
	logger log.Logger

	started atomic.Bool

	messaging MessagingService
	unicast   UnicastService
	disc      discovery.Provider
	discID    discovery.ListenerID

	sched *scheduler
	bus   *publisher
	reg   *registry

	// The fields below are owned by the scheduler goroutine.
	localID      MemberID
	localProps   map[string]string
	updates      []Member
	probeCounter int
}

func New(config Config) *Protocol {
	if config.Logger == nil {
		config.Logger = log.NewNopLogger()
	}

	return &Protocol{
		config: config,
		logger: config.Logger,
		sched:  newScheduler(config.Logger),
		bus:    newPublisher(config.Logger),
		reg:    newRegistry(),
	}
}

// Join activates the protocol: the local member is registered as alive,
// transport handlers are installed, and the probe and gossip timers start.
// Join is idempotent; only the first call has any effect.
func (p *Protocol) Join(boot Bootstrap, disc discovery.Provider, local Member) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	p.messaging = boot.Messaging
	p.unicast = boot.Unicast
	p.disc = disc
	p.localID = local.ID

	rec := newLocalRecord(local)
	p.localProps = rec.copy().Properties

	p.reg.setSelf(local.ID)
	p.reg.put(rec)

	level.Info(p.logger).Log("msg", "member activated", "member", local.ID, "addr", local.Addr)

	p.post(MemberAdded, rec.copy())

	p.discID = disc.AddListener(p.handleDiscoveryEvent)

	p.registerHandlers()

	p.sched.Every(p.config.GossipInterval, p.gossipTick)
	p.sched.Every(p.config.ProbeInterval, p.probeTick)
	p.sched.Submit(p.probeAll)

	return nil
}

// Leave deactivates the protocol. In-flight transport completions after
// Leave are dropped on the closed scheduler. Leave is idempotent.
func (p *Protocol) Leave() error {
	if !p.started.CompareAndSwap(true, false) {
		return nil
	}

	p.disc.RemoveListener(p.discID)

	p.sched.Close()
	p.bus.Close()

	if local, ok := p.reg.get(p.localID); ok {
		local.setState(StateDead)
		p.reg.put(local)
	}

	p.reg.clear()
	p.unregisterHandlers()

	level.Info(p.logger).Log("msg", "member deactivated", "member", p.localID)

	return nil
}

// Members returns a snapshot of all known members, including the local one.
func (p *Protocol) Members() []Member {
	return p.reg.snapshot()
}

// Member returns the member with the given id, if known.
func (p *Protocol) Member(id MemberID) (Member, bool) {
	rec, ok := p.reg.get(id)
	if !ok {
		return Member{}, false
	}

	return rec.copy(), true
}

// StateHash returns a digest of the current member view. Two nodes whose
// hashes match hold the same view, up to hash collisions.
func (p *Protocol) StateHash() uint64 {
	return p.reg.stateHash()
}

// AddListener subscribes to membership events. The listener runs on the
// event dispatcher goroutine and sees events in post order.
func (p *Protocol) AddListener(fn func(Event)) ListenerID {
	return p.bus.Subscribe(fn)
}

// RemoveListener cancels a subscription.
func (p *Protocol) RemoveListener(id ListenerID) {
	p.bus.Unsubscribe(id)
}

// SetProperty updates a property of the local member. The change is picked
// up at the next gossip tick, which advances the local term and disseminates
// the new metadata.
func (p *Protocol) SetProperty(key, value string) {
	p.sched.Submit(func() {
		local, ok := p.reg.get(p.localID)
		if !ok {
			return
		}

		local.mergeProperties(map[string]string{key: value})
		p.reg.put(local)
	})
}

func (p *Protocol) registerHandlers() {
	p.messaging.RegisterHandler(probeTopic, func(from Address, payload []byte, reply ReplyFunc) {
		p.sched.Submit(func() {
			var probe Member
			if err := p.config.Codec.Unmarshal(payload, &probe); err != nil {
				reply(nil, err)
				return
			}

			resp, err := p.config.Codec.Marshal(p.handleProbe(probe))
			reply(resp, err)
		})
	})

	p.messaging.RegisterHandler(probeRequestTopic, func(from Address, payload []byte, reply ReplyFunc) {
		p.sched.Submit(func() {
			var suspect Member
			if err := p.config.Codec.Unmarshal(payload, &suspect); err != nil {
				reply(nil, err)
				return
			}

			p.handleProbeRequest(suspect, reply)
		})
	})

	p.unicast.AddListener(gossipTopic, func(from Address, payload []byte) {
		p.sched.Submit(func() {
			p.handleGossip(payload)
		})
	})
}

func (p *Protocol) unregisterHandlers() {
	p.messaging.UnregisterHandler(probeTopic)
	p.messaging.UnregisterHandler(probeRequestTopic)
	p.unicast.RemoveListener(gossipTopic)
}

func (p *Protocol) handleDiscoveryEvent(event discovery.Event) {
	p.sched.Submit(func() {
		switch event.Type {
		case discovery.Join:
			p.handleJoinEvent(event.Node)
		case discovery.Leave:
			p.handleLeaveEvent(event.Node)
		default:
			level.Error(p.logger).Log("msg", "unknown discovery event", "type", int(event.Type))
		}
	})
}

// handleJoinEvent pulls a fresh record from a newly discovered node by
// probing it with a bootstrap stub.
func (p *Protocol) handleJoinEvent(node discovery.Node) {
	id := MemberID(node.ID)

	if !p.reg.has(id) {
		p.probe(Member{ID: id, Addr: Address(node.Addr), State: StateAlive})
	}
}

// handleLeaveEvent removes the record only once it is no longer active.
// Leave notifications are advisory; active members stay until the failure
// detector takes them down.
func (p *Protocol) handleLeaveEvent(node discovery.Node) {
	if rec, ok := p.reg.get(MemberID(node.ID)); ok && !rec.state.IsActive() {
		p.reg.remove(rec.id)
	}
}

func (p *Protocol) post(t EventType, m Member) {
	telemetry.EventsTotal.WithLabelValues(t.String()).Inc()

	p.bus.Publish(Event{Type: t, Member: m})

	if t == MemberAdded || t == MemberRemoved {
		telemetry.Members.Set(float64(p.reg.size()))
	}
}

func (p *Protocol) recordUpdate(m Member) {
	p.updates = append(p.updates, m)
	telemetry.GossipUpdatesTotal.Inc()
}
