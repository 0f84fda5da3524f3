package membership

import (
	"github.com/go-kit/log/level"

	"github.com/thirstycrow/atomix/internal/generic"
	"github.com/thirstycrow/atomix/internal/telemetry"
)

// gossipTick is the periodic dissemination sweep: suspect timeouts first,
// then local metadata drift, then fanout of whatever updates accumulated
// since the previous tick. The update queue is drained atomically; a tick
// with an empty queue sends nothing.
func (p *Protocol) gossipTick() {
	p.checkFailures()
	p.checkMetadata()

	if len(p.updates) == 0 {
		return
	}

	updates := p.updates
	p.updates = nil

	p.gossip(updates)
}

// gossip sends the update batch to GossipFanout random peers.
func (p *Protocol) gossip(updates []Member) {
	peers := p.reg.peers()
	if len(peers) == 0 {
		return
	}

	payload, err := p.config.Codec.Marshal(updates)
	if err != nil {
		level.Error(p.logger).Log("msg", "failed to encode gossip batch", "err", err)
		return
	}

	generic.Shuffle(peers)

	fanout := len(peers)
	if fanout > p.config.GossipFanout {
		fanout = p.config.GossipFanout
	}

	for i := 0; i < fanout; i++ {
		p.send(peers[i], payload)
	}

	telemetry.GossipBatchesTotal.Inc()
}

// gossipRandom sends a single update to one random peer, ahead of the
// regular gossip cadence.
func (p *Protocol) gossipRandom(update Member) {
	peers := p.reg.peers()
	if len(peers) == 0 {
		return
	}

	payload, err := p.config.Codec.Marshal([]Member{update})
	if err != nil {
		level.Error(p.logger).Log("msg", "failed to encode gossip update", "err", err)
		return
	}

	generic.Shuffle(peers)

	p.send(peers[0], payload)
}

// broadcast unicasts a single update to every registry peer. Used for
// dispute resolution, where waiting a gossip round would leave the stale
// belief circulating.
func (p *Protocol) broadcast(update Member) {
	peers := p.reg.peers()
	if len(peers) == 0 {
		return
	}

	payload, err := p.config.Codec.Marshal([]Member{update})
	if err != nil {
		level.Error(p.logger).Log("msg", "failed to encode broadcast", "err", err)
		return
	}

	for _, peer := range peers {
		p.send(peer, payload)
	}

	telemetry.BroadcastsTotal.Inc()
}

// send delivers a gossip payload to a peer. Failures are logged and
// dropped: gossip is fire and forget, and the failure detector owns
// reachability decisions.
func (p *Protocol) send(peer memberRecord, payload []byte) {
	if err := p.unicast.Unicast(peer.addr, gossipTopic, payload); err != nil {
		level.Debug(p.logger).Log("msg", "gossip send failed", "to", peer.id, "err", err)
	}
}

// handleGossip reconciles a received update batch in order.
func (p *Protocol) handleGossip(payload []byte) {
	var updates []Member

	if err := p.config.Codec.Unmarshal(payload, &updates); err != nil {
		level.Warn(p.logger).Log("msg", "malformed gossip batch", "err", err)
		return
	}

	for _, update := range updates {
		p.updateState(update)
	}
}
