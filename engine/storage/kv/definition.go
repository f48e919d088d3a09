package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/graph"

	"github.com/micromdm/nanolib/storage/kv"
)

const (
	keyPfxDef    = "def."
	keyPfxLatest = "latest."
	keyPfxActive = "active."
)

func defKey(id string, version int) string {
	return keyPfxDef + id + "." + strconv.Itoa(version)
}

// getVersion reads a version pointer. Zero means not set.
func (s *KV) getVersion(ctx context.Context, key string) (int, error) {
	raw, err := s.defStore.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}

func (s *KV) setVersion(ctx context.Context, key string, version int) error {
	return s.defStore.Set(ctx, key, []byte(strconv.Itoa(version)))
}

func (s *KV) getDefinition(ctx context.Context, id string, version int) (*graph.Definition, error) {
	raw, err := s.defStore.Get(ctx, defKey(id, version))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrDefinitionNotFound, graph.VersionKey(id, version))
	} else if err != nil {
		return nil, err
	}
	d := new(graph.Definition)
	if err = json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return d, nil
}

func (s *KV) setDefinition(ctx context.Context, d *graph.Definition) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	return s.defStore.Set(ctx, defKey(d.ID, d.Version), raw)
}

// StoreDefinition implements the storage interface method.
func (s *KV) StoreDefinition(ctx context.Context, d *graph.Definition) (int, error) {
	if d == nil || d.ID == "" {
		return 0, storage.ErrMissingWorkflowID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	latest, err := s.getVersion(ctx, keyPfxLatest+d.ID)
	if err != nil {
		return 0, fmt.Errorf("getting latest version: %w", err)
	}
	version := latest + 1
	if latest > 0 {
		prev, err := s.getDefinition(ctx, d.ID, latest)
		if err != nil {
			return 0, fmt.Errorf("getting latest definition: %w", err)
		}
		if prev.Status == graph.StatusDraft {
			version = latest
		}
	}

	stored := *d
	stored.Version = version
	stored.Status = graph.StatusDraft
	stored.CreatedAt = s.clock()
	if err = s.setDefinition(ctx, &stored); err != nil {
		return 0, fmt.Errorf("setting definition: %w", err)
	}
	if err = s.setVersion(ctx, keyPfxLatest+d.ID, version); err != nil {
		return 0, fmt.Errorf("setting latest version: %w", err)
	}
	return version, nil
}

// RetrieveDefinition implements the storage interface method.
func (s *KV) RetrieveDefinition(ctx context.Context, id string, version int) (*graph.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if version < 1 {
		var err error
		if version, err = s.getVersion(ctx, keyPfxLatest+id); err != nil {
			return nil, fmt.Errorf("getting latest version: %w", err)
		} else if version < 1 {
			return nil, fmt.Errorf("%w: %s", storage.ErrDefinitionNotFound, id)
		}
	}
	return s.getDefinition(ctx, id, version)
}

// RetrieveActiveDefinition implements the storage interface method.
func (s *KV) RetrieveActiveDefinition(ctx context.Context, id string) (*graph.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, err := s.getVersion(ctx, keyPfxActive+id)
	if err != nil {
		return nil, fmt.Errorf("getting active version: %w", err)
	} else if version < 1 {
		return nil, fmt.Errorf("%w: no active version of %s", storage.ErrDefinitionNotFound, id)
	}
	return s.getDefinition(ctx, id, version)
}

// UpdateDefinitionStatus implements the storage interface method.
func (s *KV) UpdateDefinitionStatus(ctx context.Context, id string, version int, status graph.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", storage.ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.getDefinition(ctx, id, version)
	if err != nil {
		return err
	}
	if status == graph.StatusDraft && d.Status != graph.StatusDraft {
		return fmt.Errorf("%w: %s cannot return to draft", storage.ErrInvalidStatus, d.Status)
	}

	active, err := s.getVersion(ctx, keyPfxActive+id)
	if err != nil {
		return fmt.Errorf("getting active version: %w", err)
	}
	switch status {
	case graph.StatusActive, graph.StatusPaused:
		if active > 0 && active != version {
			prev, err := s.getDefinition(ctx, id, active)
			if err != nil {
				return fmt.Errorf("getting previous active definition: %w", err)
			}
			prev.Status = graph.StatusArchived
			if err = s.setDefinition(ctx, prev); err != nil {
				return fmt.Errorf("archiving previous definition: %w", err)
			}
		}
		if err = s.setVersion(ctx, keyPfxActive+id, version); err != nil {
			return fmt.Errorf("setting active version: %w", err)
		}
	default:
		if active == version {
			if err = s.defStore.Delete(ctx, keyPfxActive+id); err != nil {
				return fmt.Errorf("clearing active version: %w", err)
			}
		}
	}
	d.Status = status
	return s.setDefinition(ctx, d)
}

// RetrieveDefinitionIDs implements the storage interface method.
func (s *KV) RetrieveDefinitionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.defStore.KeysPrefix(ctx, keyPfxLatest, nil) {
		ids = append(ids, k[len(keyPfxLatest):])
	}
	return ids, nil
}
