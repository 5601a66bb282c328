/*
Package ballot constructs the strictly-increasing proposal numbers the
Paxos driver uses both as ballots and as write timestamps.
*/
package ballot

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ballot is a globally unique, strictly increasing 16-byte identifier: a
// microsecond wall-clock timestamp in the high 8 bytes, node-unique entropy
// in the low 8 bytes. Comparing two ballots as big-endian byte strings
// orders them by timestamp first, entropy second.
type Ballot [16]byte

var zero Ballot

// Zero reports whether b has never been assigned.
func (b Ballot) Zero() bool { return b == zero }

// Compare returns -1, 0 or 1 the way bytes.Compare does.
func (b Ballot) Compare(o Ballot) int {
	return bytes.Compare(b[:], o[:])
}

// Less reports whether b sorts strictly before o.
func (b Ballot) Less(o Ballot) bool { return b.Compare(o) < 0 }

// MicrosTimestamp extracts the microsecond timestamp embedded in the ballot,
// used by the Paxos driver to compute "1 + microsTimestamp(lastSeen)".
func (b Ballot) MicrosTimestamp() int64 {
	return int64(binary.BigEndian.Uint64(b[:8]))
}

func (b Ballot) String() string {
	return time.UnixMicro(b.MicrosTimestamp()).UTC().Format(time.RFC3339Nano)
}

// Generator produces strictly-increasing ballots for one node. A single
// generator must be shared by every goroutine proposing on this node so
// that concurrent attempts never collide on the same microsecond.
type Generator struct {
	mu       sync.Mutex
	lastMicros int64
	entropy  [8]byte
}

// NewGenerator derives the generator's entropy from a fresh node-local
// UUID; node uniqueness (not global uniqueness) is all that's required
// since the timestamp component already guarantees global strict
// monotonicity for ballots minted by the same node.
func NewGenerator() *Generator {
	id := uuid.New()
	g := &Generator{}
	copy(g.entropy[:], id[:8])
	return g
}

// Next returns a ballot strictly greater than both the previous ballot this
// generator produced and floor, by construction.
func (g *Generator) Next(floor Ballot) Ballot {
	g.mu.Lock()
	defer g.mu.Unlock()

	micros := time.Now().UnixMicro()
	if micros <= g.lastMicros {
		micros = g.lastMicros + 1
	}
	if floorMicros := floor.MicrosTimestamp(); !floor.Zero() && micros <= floorMicros {
		micros = floorMicros + 1
	}
	g.lastMicros = micros

	var b Ballot
	binary.BigEndian.PutUint64(b[:8], uint64(micros))
	copy(b[8:], g.entropy[:])
	return b
}
