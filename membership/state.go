package membership

import (
	"github.com/go-kit/log/level"
	"golang.org/x/exp/maps"
)

// updateState reconciles an incoming member record against the registry and
// returns whether it was accepted. The record is accepted when it is the
// first observation of the id, when it carries a strictly newer term, or
// when it advances the state within the current term. Accepted updates
// mutate the registry, emit events, and are re-queued for gossip.
//
// The rules give conflict-free convergence: the term is a logical clock the
// owner of the identity advances on dispute or metadata change, and within a
// term the state may only move forward along alive -> suspect -> dead.
func (p *Protocol) updateState(update Member) bool {
	// Updates about the local member are ignored: only this node changes its
	// own record.
	if update.ID == p.localID {
		return false
	}

	rec, ok := p.reg.get(update.ID)

	// First observation: the member enters alive regardless of the state
	// carried by the update.
	if !ok {
		rec = newRecord(update)
		rec.setState(StateAlive)
		p.reg.put(rec)

		level.Debug(p.logger).Log("msg", "member added", "member", rec.id)

		p.post(MemberAdded, rec.copy())
		p.recordUpdate(rec.copy())

		return true
	}

	switch {
	case update.Term > rec.term:
		// A new version of the same id is a new incarnation: the old record
		// is evicted and the member re-enters alive.
		if update.Version != rec.version {
			p.reg.remove(rec.id)
			p.post(MemberRemoved, rec.copy())

			rec = newRecord(update)
			rec.setState(StateAlive)
			p.reg.put(rec)

			level.Debug(p.logger).Log("msg", "member evicted for new version", "member", rec.id)

			p.post(MemberAdded, rec.copy())
			p.recordUpdate(rec.copy())

			return true
		}

		rec.term = update.Term
		removed := false

		switch {
		case update.State == StateAlive && rec.state != StateAlive:
			rec.setState(StateAlive)
			p.reg.put(rec)

			level.Debug(p.logger).Log("msg", "member reachable", "member", rec.id)

			p.post(ReachabilityChanged, rec.copy())

			if !maps.Equal(update.Properties, rec.properties) {
				rec.mergeProperties(update.Properties)
				p.reg.put(rec)
				p.post(MetadataChanged, rec.copy())
			}

		case update.State == StateSuspect && rec.state != StateSuspect:
			if !maps.Equal(update.Properties, rec.properties) {
				rec.mergeProperties(update.Properties)
				p.reg.put(rec)
				p.post(MetadataChanged, rec.copy())
			}

			rec.setState(StateSuspect)
			p.reg.put(rec)

			level.Debug(p.logger).Log("msg", "member unreachable", "member", rec.id)

			p.post(ReachabilityChanged, rec.copy())

			if p.config.NotifySuspect {
				p.gossipRandom(rec.copy())
			}

		case update.State == StateDead && rec.state != StateDead:
			if rec.state == StateAlive {
				rec.setState(StateSuspect)
				p.reg.put(rec)
				p.post(ReachabilityChanged, rec.copy())
			}

			rec.setState(StateDead)
			p.reg.remove(rec.id)
			removed = true

			level.Debug(p.logger).Log("msg", "member removed", "member", rec.id)

			p.post(MemberRemoved, rec.copy())

		default:
			if !maps.Equal(update.Properties, rec.properties) {
				rec.mergeProperties(update.Properties)

				level.Debug(p.logger).Log("msg", "member metadata changed", "member", rec.id)

				p.post(MetadataChanged, rec.copy())
			}
		}

		// The adopted term must stick even when no state transition fired.
		if !removed {
			p.reg.put(rec)
		}

		p.recordUpdate(rec.copy())

		return true

	case update.Term == rec.term && update.State > rec.state:
		// Same term: the state may only move forward along the lattice.
		rec.setState(update.State)

		switch update.State {
		case StateSuspect:
			p.reg.put(rec)

			level.Debug(p.logger).Log("msg", "member unreachable", "member", rec.id)

			p.post(ReachabilityChanged, rec.copy())

			if p.config.NotifySuspect {
				p.gossipRandom(rec.copy())
			}

		case StateDead:
			p.reg.remove(rec.id)

			level.Debug(p.logger).Log("msg", "member removed", "member", rec.id)

			p.post(MemberRemoved, rec.copy())
		}

		p.recordUpdate(rec.copy())

		return true
	}

	// Older term, same term without state progress, or a pure property
	// change without a term advance: ignored.
	return false
}

// checkMetadata detects local property drift. When the live properties have
// diverged from the last published snapshot, the local term advances by one
// and the new metadata is queued for dissemination.
func (p *Protocol) checkMetadata() {
	local, ok := p.reg.get(p.localID)
	if !ok {
		return
	}

	if maps.Equal(local.properties, p.localProps) {
		return
	}

	p.localProps = maps.Clone(local.properties)

	level.Debug(p.logger).Log("msg", "local properties changed", "member", local.id)

	local.term++
	p.reg.put(local)

	p.post(MetadataChanged, local.copy())
	p.recordUpdate(local.copy())
}
