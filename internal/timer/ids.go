package timer

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator assigns ids to timers created without one.
type IDGenerator interface {
	NextID() string
}

// Sequence hands out "<prefix><n>" ids from an atomic counter.
type Sequence struct {
	prefix string
	n      atomic.Uint64
}

// NewSequence returns a generator whose first id is prefix+seed.
func NewSequence(prefix string, seed uint64) *Sequence {
	s := &Sequence{prefix: prefix}
	if seed > 0 {
		s.n.Store(seed - 1)
	}
	return s
}

func (s *Sequence) NextID() string {
	return s.prefix + strconv.FormatUint(s.n.Add(1), 10)
}

// UUIDs hands out random "<prefix><uuid>" ids.
type UUIDs struct {
	Prefix string
}

func (g UUIDs) NextID() string {
	return g.Prefix + uuid.NewString()
}

// DefaultIDs is used when a Timer is built without an id and without WithIDGenerator.
var DefaultIDs IDGenerator = NewSequence("timer", 10001)
