// Package inmem implements an in-memory contact-data storage backend.
package inmem

import (
	"github.com/micromdm/nanoflow/subsystem/contact/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

// InMem is an in-memory contact-data storage backend.
type InMem struct {
	*kv.KV
}

// New creates a new in-memory contact-data storage backend.
func New() *InMem {
	return &InMem{KV: kv.New(kvmap.New())}
}
