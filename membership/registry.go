package membership

import (
	"sync"

	"github.com/thirstycrow/atomix/internal/generic"
)

// registry holds the per-peer records plus a randomized peer list used by
// probing and gossip to spread load. All mutations happen on the scheduler;
// readers are the public query methods, which may run on any goroutine.
type registry struct {
	mut     sync.RWMutex
	selfID  MemberID
	members map[MemberID]memberRecord
	peerIDs []MemberID
	hash    uint64
}

func newRegistry() *registry {
	return &registry{
		members: make(map[MemberID]memberRecord),
	}
}

func (r *registry) setSelf(id MemberID) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.selfID = id
}

func (r *registry) get(id MemberID) (memberRecord, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()

	rec, ok := r.members[id]

	return rec, ok
}

func (r *registry) has(id MemberID) bool {
	r.mut.RLock()
	defer r.mut.RUnlock()

	_, ok := r.members[id]

	return ok
}

func (r *registry) size() int {
	r.mut.RLock()
	defer r.mut.RUnlock()

	return len(r.members)
}

// put inserts or replaces a record. New non-local records are added to the
// peer list, which is reshuffled on every change so that probe and gossip
// targets stay randomized.
func (r *registry) put(rec memberRecord) {
	r.mut.Lock()
	defer r.mut.Unlock()

	_, existed := r.members[rec.id]
	r.members[rec.id] = rec

	if !existed && rec.id != r.selfID {
		r.peerIDs = append(r.peerIDs, rec.id)
		generic.Shuffle(r.peerIDs)
	}

	r.rehash()
}

func (r *registry) remove(id MemberID) (memberRecord, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	rec, ok := r.members[id]
	if !ok {
		return memberRecord{}, false
	}

	delete(r.members, id)

	r.peerIDs = generic.Filter(r.peerIDs, func(peerID MemberID) bool {
		return peerID != id
	})
	generic.Shuffle(r.peerIDs)

	r.rehash()

	return rec, true
}

// snapshot returns immutable copies of all records.
func (r *registry) snapshot() []Member {
	r.mut.RLock()
	defer r.mut.RUnlock()

	members := make([]Member, 0, len(r.members))
	for _, rec := range r.members {
		members = append(members, rec.copy())
	}

	return members
}

// records returns copies of all live records, including timestamps.
func (r *registry) records() []memberRecord {
	r.mut.RLock()
	defer r.mut.RUnlock()

	recs := make([]memberRecord, 0, len(r.members))
	for _, rec := range r.members {
		recs = append(recs, rec)
	}

	return recs
}

// peers returns the non-local records in the current randomized order.
func (r *registry) peers() []memberRecord {
	r.mut.RLock()
	defer r.mut.RUnlock()

	peers := make([]memberRecord, 0, len(r.peerIDs))

	for _, id := range r.peerIDs {
		if rec, ok := r.members[id]; ok {
			peers = append(peers, rec)
		}
	}

	return peers
}

func (r *registry) clear() {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.members = make(map[MemberID]memberRecord)
	r.peerIDs = nil
	r.hash = 0
}

// stateHash returns a 64-bit digest of the registry contents. Two members
// whose hashes match hold the same view, up to hash collisions.
func (r *registry) stateHash() uint64 {
	r.mut.RLock()
	defer r.mut.RUnlock()

	return r.hash
}

func (r *registry) rehash() {
	r.hash = 0
	for _, rec := range r.members {
		r.hash ^= rec.hash64()
	}
}
