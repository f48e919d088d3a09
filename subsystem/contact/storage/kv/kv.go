// Package kv implements a contact-data storage backend using a key-value store.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/micromdm/nanoflow/subsystem/contact/storage"

	"github.com/micromdm/nanolib/storage/kv"
)

const (
	keyPfxTags   = "tags."
	keyPfxEvents = "events."
)

// KV is a contact-data storage backend using a key-value store.
type KV struct {
	mu sync.RWMutex
	b  kv.Bucket
}

// New creates a new contact-data backend.
func New(b kv.Bucket) *KV {
	return &KV{b: b}
}

// getJSON unmarshals the value at key into v.
// A missing key leaves v untouched.
func (s *KV) getJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := s.b.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if len(raw) < 1 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *KV) setJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.b.Set(ctx, key, raw)
}

// RetrieveSnapshot returns the tags and engagement events of id.
func (s *KV) RetrieveSnapshot(ctx context.Context, id string) (*storage.Snapshot, error) {
	if id == "" {
		return nil, storage.ErrNoID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &storage.Snapshot{ContactID: id, AsOf: time.Now()}
	if err := s.getJSON(ctx, keyPfxTags+id, &snap.Tags); err != nil {
		return nil, fmt.Errorf("getting tags for %s: %w", id, err)
	}
	if err := s.getJSON(ctx, keyPfxEvents+id, &snap.Events); err != nil {
		return nil, fmt.Errorf("getting events for %s: %w", id, err)
	}
	snap.SortTags()
	return snap, nil
}

// MutateTags adds or removes tag for id.
func (s *KV) MutateTags(ctx context.Context, id string, op storage.TagOp, tag string) error {
	if err := storage.CheckMutation(id, op, tag); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var tags []string
	if err := s.getJSON(ctx, keyPfxTags+id, &tags); err != nil {
		return fmt.Errorf("getting tags: %w", err)
	}
	idx := -1
	for i, t := range tags {
		if t == tag {
			idx = i
			break
		}
	}
	switch {
	case op == storage.TagAdd && idx < 0:
		tags = append(tags, tag)
	case op == storage.TagRemove && idx >= 0:
		tags = append(tags[:idx], tags[idx+1:]...)
	default:
		// already in the desired state
		return nil
	}
	if err := s.setJSON(ctx, keyPfxTags+id, tags); err != nil {
		return fmt.Errorf("setting tags: %w", err)
	}
	return nil
}

// StoreEvent appends an engagement event for id.
func (s *KV) StoreEvent(ctx context.Context, id string, ev *storage.Event) error {
	if id == "" {
		return storage.ErrNoID
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []storage.Event
	if err := s.getJSON(ctx, keyPfxEvents+id, &events); err != nil {
		return fmt.Errorf("getting events: %w", err)
	}
	events = append(events, *ev)
	if err := s.setJSON(ctx, keyPfxEvents+id, events); err != nil {
		return fmt.Errorf("setting events: %w", err)
	}
	return nil
}

// DeleteContact deletes all data for id.
func (s *KV) DeleteContact(ctx context.Context, id string) error {
	if id == "" {
		return storage.ErrNoID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range []string{keyPfxTags + id, keyPfxEvents + id} {
		if ok, err := s.b.Has(ctx, k); err != nil {
			return fmt.Errorf("checking key %s: %w", k, err)
		} else if !ok {
			continue
		}
		if err := s.b.Delete(ctx, k); err != nil {
			return fmt.Errorf("deleting key %s: %w", k, err)
		}
	}
	return nil
}
