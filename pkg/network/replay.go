package network

import (
	"github.com/backkem/btmesh/pkg/mesh"
)

// DefaultReplayCapacity is the default number of sources a ReplayCache tracks.
const DefaultReplayCapacity = 64

type replayEntry struct {
	ivIndex uint32
	seq     uint32
	used    uint64
}

// ReplayCache drops network PDUs whose (IV index, seq) is not newer than the
// last one accepted from the same source. When full, the least recently
// updated source is forgotten.
//
// ReplayCache is not safe for concurrent use.
type ReplayCache struct {
	capacity int
	entries  map[mesh.UnicastAddress]*replayEntry
	clock    uint64
}

// NewReplayCache creates a cache for capacity sources (DefaultReplayCapacity if <= 0).
func NewReplayCache(capacity int) *ReplayCache {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayCache{capacity: capacity, entries: make(map[mesh.UnicastAddress]*replayEntry)}
}

// Check reports whether a PDU is new, without recording it.
func (r *ReplayCache) Check(src mesh.UnicastAddress, ivIndex, seq uint32) bool {
	e, ok := r.entries[src]
	if !ok {
		return true
	}
	if ivIndex != e.ivIndex {
		return ivIndex > e.ivIndex
	}
	return seq > e.seq
}

// Accept records the PDU and reports whether it was new.
func (r *ReplayCache) Accept(src mesh.UnicastAddress, ivIndex, seq uint32) bool {
	if !r.Check(src, ivIndex, seq) {
		return false
	}
	r.clock++
	if e, ok := r.entries[src]; ok {
		e.ivIndex, e.seq, e.used = ivIndex, seq, r.clock
		return true
	}
	if len(r.entries) >= r.capacity {
		r.evict()
	}
	r.entries[src] = &replayEntry{ivIndex: ivIndex, seq: seq, used: r.clock}
	return true
}

func (r *ReplayCache) evict() {
	var (
		victim mesh.UnicastAddress
		oldest uint64
		found  bool
	)
	for src, e := range r.entries {
		if !found || e.used < oldest {
			victim, oldest, found = src, e.used, true
		}
	}
	if found {
		delete(r.entries, victim)
	}
}

// Len returns the number of tracked sources.
func (r *ReplayCache) Len() int { return len(r.entries) }
