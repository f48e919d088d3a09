// Package diskv implements a diskv-backed contact-data storage backend.
package diskv

import (
	"path/filepath"

	"github.com/micromdm/nanoflow/subsystem/contact/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is an on-disk contact-data store.
type Diskv struct {
	*kv.KV
}

// New creates a new initialized contact-data store at path.
func New(path string) *Diskv {
	return &Diskv{
		KV: kv.New(kvdiskv.New(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "contact"),
			Transform:    kvdiskv.FlatTransform,
			CacheSizeMax: 1024 * 1024,
		}))),
	}
}
