// Package storage defines types and interfaces to support the contact-data subsystem.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNoID         = errors.New("no contact ID provided")
	ErrEmptyTag     = errors.New("empty tag")
	ErrInvalidTagOp = errors.New("invalid tag operation")
	ErrEmptyEvent   = errors.New("empty engagement event")
)

// TagOp is a tag mutation.
type TagOp string

const (
	TagAdd    TagOp = "add"
	TagRemove TagOp = "remove"
)

func (op TagOp) Valid() bool {
	return op == TagAdd || op == TagRemove
}

// EventType is the type of an engagement event.
type EventType string

const (
	EventOpened  EventType = "opened"
	EventClicked EventType = "clicked"
)

func (t EventType) Valid() bool {
	return t == EventOpened || t == EventClicked
}

// Event is a single engagement event for a contact.
// Source identifies what was engaged with: a workflow step
// (send_email node) or a campaign.
type Event struct {
	Type   EventType `json:"type"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
}

// Validate checks ev for missing or invalid values.
func (ev *Event) Validate() error {
	if ev == nil {
		return ErrEmptyEvent
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("invalid event type: %q", ev.Type)
	}
	if ev.At.IsZero() {
		return errors.New("missing event time")
	}
	return nil
}

// Snapshot is the state of a contact at a point in time.
type Snapshot struct {
	ContactID string    `json:"contact_id"`
	Tags      []string  `json:"tags"`
	Events    []Event   `json:"events,omitempty"`
	AsOf      time.Time `json:"as_of"`
}

// HasTag reports whether tag is present in the snapshot.
func (s *Snapshot) HasTag(tag string) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SortTags sorts the snapshot tags for stable output.
func (s *Snapshot) SortTags() {
	if s != nil {
		sort.Strings(s.Tags)
	}
}

type ReadStorage interface {
	// RetrieveSnapshot returns the current tags and engagement events of id.
	// A contact we have no data for yields an empty snapshot, not an error.
	RetrieveSnapshot(ctx context.Context, id string) (*Snapshot, error)
}

type Storage interface {
	ReadStorage

	// MutateTags adds or removes tag for id.
	// Tags have set semantics: adding a present tag or removing an
	// absent tag is a no-op.
	MutateTags(ctx context.Context, id string, op TagOp, tag string) error

	// StoreEvent appends an engagement event for id.
	StoreEvent(ctx context.Context, id string, ev *Event) error

	// DeleteContact deletes all data for id.
	DeleteContact(ctx context.Context, id string) error
}

// CheckMutation validates the arguments of a tag mutation.
func CheckMutation(id string, op TagOp, tag string) error {
	if id == "" {
		return ErrNoID
	}
	if !op.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTagOp, op)
	}
	if tag == "" {
		return ErrEmptyTag
	}
	return nil
}
