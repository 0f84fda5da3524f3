package membership

import (
	"time"

	"github.com/go-kit/log/level"

	"github.com/thirstycrow/atomix/internal/generic"
	"github.com/thirstycrow/atomix/internal/telemetry"
)

// probeTick probes the next target in round-robin order. The target list is
// rebuilt each tick from nodes the discovery service knows about but the
// registry does not (sorted by id, so bootstrap stubs are probed first),
// followed by the registry peers in their current randomized order.
func (p *Protocol) probeTick() {
	targets := p.probeTargets()
	if len(targets) == 0 {
		return
	}

	i := p.probeCounter % len(targets)
	if i < 0 {
		i = -i
	}

	p.probeCounter++

	p.probe(targets[i])
}

// probeAll probes every target. Used once at startup to pull the initial
// view as quickly as possible.
func (p *Protocol) probeAll() {
	for _, target := range p.probeTargets() {
		p.probe(target)
	}
}

func (p *Protocol) probeTargets() []Member {
	var stubs []Member

	for _, node := range p.disc.Nodes() {
		id := MemberID(node.ID)

		if id == p.localID || p.reg.has(id) {
			continue
		}

		stubs = append(stubs, Member{ID: id, Addr: Address(node.Addr), State: StateAlive})
	}

	generic.SortBy(stubs, func(m Member) MemberID { return m.ID })

	targets := stubs
	for _, rec := range p.reg.peers() {
		targets = append(targets, rec.copy())
	}

	return targets
}

// probe sends a direct probe carrying the local view of the target. A reply
// feeds the responder's own record into the reconciler. On failure, as long
// as the target's term has not moved since the probe was sent, peers are
// asked to probe it indirectly.
func (p *Protocol) probe(target Member) {
	payload, err := p.config.Codec.Marshal(target)
	if err != nil {
		level.Error(p.logger).Log("msg", "failed to encode probe", "err", err)
		return
	}

	level.Debug(p.logger).Log("msg", "probing", "member", target.ID)

	p.messaging.SendReceive(target.Addr, probeTopic, payload, func(resp []byte, err error) {
		p.sched.Submit(func() {
			if err != nil {
				telemetry.ProbesTotal.WithLabelValues("error").Inc()

				rec, ok := p.reg.get(target.ID)
				if ok && rec.term == target.Term {
					level.Debug(p.logger).Log("msg", "failed to probe", "member", target.ID)
					p.requestProbes(rec.copy())
				}

				return
			}

			telemetry.ProbesTotal.WithLabelValues("ok").Inc()

			var m Member
			if err := p.config.Codec.Unmarshal(resp, &m); err != nil {
				level.Warn(p.logger).Log("msg", "malformed probe response", "from", target.ID, "err", err)
				return
			}

			p.updateState(m)
		})
	})
}

// handleProbe answers a probe with the local record. A probe that carries a
// higher term, or claims the local member is suspect, is a dispute: the
// local term advances past it so that, once disseminated, the fresh record
// overrides the stale belief.
func (p *Protocol) handleProbe(probe Member) Member {
	local, ok := p.reg.get(p.localID)
	if !ok {
		return Member{ID: p.localID, State: StateDead}
	}

	switch {
	case probe.Term > local.term:
		local.term = probe.Term + 1
		p.reg.put(local)

		if p.config.BroadcastDisputes {
			p.broadcast(local.copy())
		}

	case probe.State == StateSuspect:
		local.term++
		p.reg.put(local)

		if p.config.BroadcastDisputes {
			p.broadcast(local.copy())
		}
	}

	return local.copy()
}

// requestProbes asks up to SuspectProbes random peers to probe the suspect.
// Once every response has arrived and none succeeded, the suspect is
// reconciled as suspect locally.
func (p *Protocol) requestProbes(suspect Member) {
	peers := p.selectRandomPeers(p.config.SuspectProbes, suspect.ID)
	if len(peers) == 0 {
		return
	}

	payload, err := p.config.Codec.Marshal(suspect)
	if err != nil {
		level.Error(p.logger).Log("msg", "failed to encode probe request", "err", err)
		return
	}

	var (
		total     = len(peers)
		responded = 0
		succeeded = false
	)

	for _, peer := range peers {
		peer := peer

		telemetry.ProbeRequestsTotal.Inc()

		level.Debug(p.logger).Log("msg", "requesting probe", "member", suspect.ID, "via", peer.ID)

		p.messaging.SendReceive(peer.Addr, probeRequestTopic, payload, func(resp []byte, err error) {
			p.sched.Submit(func() {
				responded++

				ok := false
				if err == nil {
					if derr := p.config.Codec.Unmarshal(resp, &ok); derr != nil {
						level.Warn(p.logger).Log("msg", "malformed probe request response", "from", peer.ID, "err", derr)
						ok = false
					}
				}

				if ok {
					succeeded = true
				} else if responded == total && !succeeded {
					level.Debug(p.logger).Log("msg", "all probes failed", "member", suspect.ID)

					demoted := suspect
					demoted.State = StateSuspect

					if p.updateState(demoted) && p.config.BroadcastUpdates {
						p.broadcast(demoted)
					}
				}
			})
		})
	}
}

// handleProbeRequest probes the nominated member on behalf of a peer and
// replies whether the probe got a response.
func (p *Protocol) handleProbeRequest(suspect Member, reply ReplyFunc) {
	payload, err := p.config.Codec.Marshal(suspect)
	if err != nil {
		reply(nil, err)
		return
	}

	level.Debug(p.logger).Log("msg", "probing on request", "member", suspect.ID)

	p.messaging.SendReceive(suspect.Addr, probeTopic, payload, func(_ []byte, err error) {
		p.sched.Submit(func() {
			resp, merr := p.config.Codec.Marshal(err == nil)
			reply(resp, merr)
		})
	})
}

// selectRandomPeers picks up to count random registry peers, excluding the
// local member and the given id.
func (p *Protocol) selectRandomPeers(count int, exclude MemberID) []Member {
	var peers []Member

	for _, rec := range p.reg.peers() {
		if rec.id != exclude {
			peers = append(peers, rec.copy())
		}
	}

	generic.Shuffle(peers)

	if len(peers) > count {
		peers = peers[:count]
	}

	return peers
}

// checkFailures promotes members that have been suspect for longer than the
// failure timeout to dead. This is the only transition driven purely by
// local time.
func (p *Protocol) checkFailures() {
	now := time.Now()

	for _, rec := range p.reg.records() {
		if rec.state != StateSuspect {
			continue
		}

		if now.Sub(rec.timestamp) <= p.config.FailureTimeout {
			continue
		}

		rec.setState(StateDead)
		p.reg.remove(rec.id)

		level.Debug(p.logger).Log("msg", "member removed", "member", rec.id)

		p.post(MemberRemoved, rec.copy())
	}
}
