// Package redis implements a contact-data storage backend using Redis.
// Tags are stored in a set and engagement events in a list per contact.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/micromdm/nanoflow/subsystem/contact/storage"

	"github.com/redis/go-redis/v9"
)

// Redis is a contact-data storage backend using Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	maxEv  int64
}

// Option configures the Redis backend.
type Option func(*Redis)

// WithPrefix sets the key prefix for Redis keys.
// Default is "nanoflow".
func WithPrefix(prefix string) Option {
	return func(s *Redis) {
		s.prefix = prefix
	}
}

// WithMaxEvents caps the number of engagement events kept per contact.
// Older events are trimmed. Zero keeps everything.
func WithMaxEvents(n int64) Option {
	return func(s *Redis) {
		s.maxEv = n
	}
}

// New creates a new Redis contact-data backend.
func New(client redis.UniversalClient, opts ...Option) *Redis {
	s := &Redis{client: client, prefix: "nanoflow"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromURL parses a Redis URL (e.g. redis://localhost:6379/0) and creates a backend.
func NewFromURL(url string, opts ...Option) (*Redis, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return New(redis.NewClient(redisOpts), opts...), nil
}

func (s *Redis) tagsKey(id string) string {
	return s.prefix + ":contact:" + id + ":tags"
}

func (s *Redis) eventsKey(id string) string {
	return s.prefix + ":contact:" + id + ":events"
}

// RetrieveSnapshot returns the tags and engagement events of id.
func (s *Redis) RetrieveSnapshot(ctx context.Context, id string) (*storage.Snapshot, error) {
	if id == "" {
		return nil, storage.ErrNoID
	}
	pipe := s.client.Pipeline()
	tagsCmd := pipe.SMembers(ctx, s.tagsKey(id))
	eventsCmd := pipe.LRange(ctx, s.eventsKey(id), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}

	snap := &storage.Snapshot{ContactID: id, AsOf: time.Now()}
	snap.Tags = tagsCmd.Val()
	for _, raw := range eventsCmd.Val() {
		var ev storage.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event for %s: %w", id, err)
		}
		snap.Events = append(snap.Events, ev)
	}
	snap.SortTags()
	return snap, nil
}

// MutateTags adds or removes tag for id.
func (s *Redis) MutateTags(ctx context.Context, id string, op storage.TagOp, tag string) error {
	if err := storage.CheckMutation(id, op, tag); err != nil {
		return err
	}
	var err error
	if op == storage.TagAdd {
		err = s.client.SAdd(ctx, s.tagsKey(id), tag).Err()
	} else {
		err = s.client.SRem(ctx, s.tagsKey(id), tag).Err()
	}
	if err != nil {
		return fmt.Errorf("redis %s tag: %w", op, err)
	}
	return nil
}

// StoreEvent appends an engagement event for id.
func (s *Redis) StoreEvent(ctx context.Context, id string, ev *storage.Event) error {
	if id == "" {
		return storage.ErrNoID
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.eventsKey(id), raw)
	if s.maxEv > 0 {
		pipe.LTrim(ctx, s.eventsKey(id), -s.maxEv, -1)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store event: %w", err)
	}
	return nil
}

// DeleteContact deletes all data for id.
func (s *Redis) DeleteContact(ctx context.Context, id string) error {
	if id == "" {
		return storage.ErrNoID
	}
	if err := s.client.Del(ctx, s.tagsKey(id), s.eventsKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}
