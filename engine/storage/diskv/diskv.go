// Package diskv implements an engine storage backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/micromdm/nanoflow/engine/storage/kv"

	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a a diskv-backed engine storage backend.
type Diskv struct {
	*kv.KV
}

func newBucket(path ...string) *kvdiskv.KVDiskv {
	return kvdiskv.New(diskv.New(diskv.Options{
		BasePath:     filepath.Join(path...),
		Transform:    kvdiskv.FlatTransform,
		CacheSizeMax: 1024 * 1024,
	}))
}

func New(path string) *Diskv {
	return &Diskv{KV: kv.New(
		newBucket(path, "engine", "enrollment"),
		newBucket(path, "engine", "index"),
		newBucket(path, "engine", "definition"),
	)}
}
