package membership

import (
	"time"

	kitlog "github.com/go-kit/log"

	"github.com/thirstycrow/atomix/wire"
)

type Config struct {
	// ProbeInterval is the period between direct probes.
	ProbeInterval time.Duration

	// GossipInterval is the period between failure sweeps and gossip fanout.
	GossipInterval time.Duration

	// GossipFanout is the maximum number of peers per gossip batch.
	GossipFanout int

	// SuspectProbes is the number of peers asked to probe a suspect
	// indirectly after a failed direct probe.
	SuspectProbes int

	// FailureTimeout is how long a member may stay suspect before it is
	// declared dead.
	FailureTimeout time.Duration

	// NotifySuspect gossips a suspicion to one random peer immediately
	// instead of waiting for the next gossip tick.
	NotifySuspect bool

	// BroadcastDisputes broadcasts the local record to all peers whenever a
	// hostile probe forces the local term to advance.
	BroadcastDisputes bool

	// BroadcastUpdates broadcasts a suspicion to all peers once every
	// indirect probe of a member has failed.
	BroadcastUpdates bool

	// Codec encodes wire records. All peers must use the same codec.
	Codec wire.Codec

	// Logger is a go-kit logger. If not provided, the protocol is silent.
	Logger kitlog.Logger
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval:     1 * time.Second,
		GossipInterval:    250 * time.Millisecond,
		GossipFanout:      2,
		SuspectProbes:     3,
		FailureTimeout:    10 * time.Second,
		BroadcastDisputes: true,
		Codec:             wire.JSON{},
		Logger:            kitlog.NewNopLogger(),
	}
}
