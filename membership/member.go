package membership

import (
	"time"

	"github.com/twmb/murmur3"
	"golang.org/x/exp/maps"
)

// MemberID is a stable unique identifier of a cluster member.
type MemberID string

// Address is a host:port locator understood by the transports.
type Address string

// State is the reachability state of a member. States are ordered: a member
// may only advance along ALIVE -> SUSPECT -> DEAD within a single term, and
// may only move back when the term strictly increases.
type State int8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

// IsActive returns true if the member is still tracked by the protocol.
func (s State) IsActive() bool {
	return s != StateDead
}

// IsReachable returns true if the member is believed to be reachable.
func (s State) IsReachable() bool {
	return s == StateAlive
}

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return ""
	}
}

// Member is an immutable snapshot of a cluster member. It is the unit carried
// on the wire in probes and gossip batches, and the payload of all membership
// events. Peers must agree on this field set and its encoding.
type Member struct {
	ID         MemberID          `json:"id"`
	Addr       Address           `json:"address"`
	Zone       string            `json:"zone,omitempty"`
	Rack       string            `json:"rack,omitempty"`
	Host       string            `json:"host,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Version    string            `json:"version,omitempty"`
	State      State             `json:"state"`
	Term       int64             `json:"term"`
}

// IsActive returns true if the member is still tracked by the protocol.
func (m Member) IsActive() bool {
	return m.State.IsActive()
}

// IsReachable returns true if the member is believed to be reachable.
func (m Member) IsReachable() bool {
	return m.State.IsReachable()
}

// Hash64 returns a 64-bit hash of the member identity and its current
// (term, state) position. Used to build the registry state hash.
func (m Member) Hash64() uint64 {
	h := murmur3.Sum64([]byte(string(m.ID) + "|" + m.Version))
	return h ^ uint64(m.Term) ^ uint64(m.State)
}

// memberRecord is the live, mutable per-peer record held in the registry.
// Records are mutated on the scheduler only and published to the outside
// world as Member value copies.
type memberRecord struct {
	id         MemberID
	addr       Address
	zone       string
	rack       string
	host       string
	properties map[string]string
	version    string
	state      State
	term       int64
	timestamp  time.Time
}

func newRecord(m Member) memberRecord {
	return memberRecord{
		id:         m.ID,
		addr:       m.Addr,
		zone:       m.Zone,
		rack:       m.Rack,
		host:       m.Host,
		properties: maps.Clone(m.Properties),
		version:    m.Version,
		state:      m.State,
		term:       m.Term,
		timestamp:  time.Now(),
	}
}

// newLocalRecord creates the record for the local member. The term starts at
// the wall clock in milliseconds so that a restarted member always rejoins
// with a term ahead of anything it gossipped in a previous life.
func newLocalRecord(m Member) memberRecord {
	rec := newRecord(m)
	rec.state = StateAlive
	rec.term = time.Now().UnixMilli()

	return rec
}

// setState changes the record state and stamps the wall-clock time of the
// change. The timestamp drives the suspect failure timeout.
func (r *memberRecord) setState(s State) {
	if r.state != s {
		r.state = s
		r.timestamp = time.Now()
	}
}

// mergeProperties overlays the given properties onto the record. The map is
// replaced rather than written in place so that concurrent snapshot readers
// never observe a map mid-write.
func (r *memberRecord) mergeProperties(props map[string]string) {
	merged := maps.Clone(r.properties)
	if merged == nil {
		merged = make(map[string]string, len(props))
	}

	for k, v := range props {
		merged[k] = v
	}

	r.properties = merged
}

func (r *memberRecord) hash64() uint64 {
	h := murmur3.Sum64([]byte(string(r.id) + "|" + r.version))
	return h ^ uint64(r.term) ^ uint64(r.state)
}

// copy returns an immutable snapshot of the record.
func (r *memberRecord) copy() Member {
	return Member{
		ID:         r.id,
		Addr:       r.addr,
		Zone:       r.zone,
		Rack:       r.rack,
		Host:       r.host,
		Properties: maps.Clone(r.properties),
		Version:    r.version,
		State:      r.state,
		Term:       r.term,
	}
}
