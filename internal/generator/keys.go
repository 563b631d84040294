package generator

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// KeySource hands out record keys for fresh inserts.
type KeySource interface {
	NextKey() string
}

// UUIDKeys returns random version 4 UUIDs.
type UUIDKeys struct{}

func (UUIDKeys) NextKey() string {
	return uuid.NewString()
}

// SequenceKeys returns Prefix followed by a zero padded counter starting at 1. Runs with the same
// prefix produce the same keys, which is what tests and replay comparisons need.
type SequenceKeys struct {
	Prefix string
	n      atomic.Uint64
}

func (s *SequenceKeys) NextKey() string {
	return fmt.Sprintf("%s%06d", s.Prefix, s.n.Add(1))
}
