// Package uuid provides ID generation and test utilities.
package uuid

import (
	"sync"

	"github.com/google/uuid"
)

// IDers generate identifiers.
type IDer interface {
	ID() string
}

// UUID is an ID generator utilizing a UUID.
type UUID struct {
	prefix string
}

// NewUUID creates a new UUID ID generator.
func NewUUID() *UUID {
	return &UUID{}
}

// NewPrefixedUUID creates a UUID ID generator whose IDs start with prefix.
func NewPrefixedUUID(prefix string) *UUID {
	return &UUID{prefix: prefix}
}

// ID generates a new UUID ID.
func (u *UUID) ID() string {
	return u.prefix + uuid.NewString()
}

// StaticIDs is an ID generator that cycles through provided IDs.
// It is safe for concurrent use.
type StaticIDs struct {
	mu  sync.Mutex
	ids []string
	i   int
}

// NewStaticIDs creates a new static ID generator.
func NewStaticIDs(ids ...string) *StaticIDs {
	return &StaticIDs{ids: ids}
}

// ID returns the next ID.
// It will continually cycle through the IDs.
func (s *StaticIDs) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids[s.i%len(s.ids)]
	s.i++
	return id
}
