// Package condition evaluates branch predicates against contact snapshots.
//
// Evaluation is a pure function of the predicate, the snapshot and the
// enrollment start time. It performs no I/O.
package condition

import (
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanoflow/subsystem/contact/storage"
)

var (
	ErrUnknownPredicate = errors.New("unknown predicate")
	ErrNilPredicate     = errors.New("nil predicate")
	ErrMissingTag       = errors.New("missing predicate tag")
)

// Kind is the kind of predicate.
type Kind string

const (
	HasTag    Kind = "has_tag"
	Opened    Kind = "opened"
	Clicked   Kind = "clicked"
	NotOpened Kind = "not_opened"
)

// Result is the outcome of a predicate evaluation.
// The values match the labels of the outgoing condition edges.
type Result string

const (
	Yes Result = "yes"
	No  Result = "no"
)

func resultOf(b bool) Result {
	if b {
		return Yes
	}
	return No
}

// Predicate describes a condition step's test.
type Predicate struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Tag is used by has_tag.
	Tag string `json:"tag,omitempty" yaml:"tag,omitempty"`

	// Source restricts engagement predicates to events from a
	// specific step or campaign. Empty matches any source.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Within restricts engagement predicates to events no older than
	// this duration (e.g. "72h") relative to the snapshot time.
	Within string `json:"within,omitempty" yaml:"within,omitempty"`
}

func (p *Predicate) window() (time.Duration, error) {
	if p.Within == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.Within)
	if err != nil {
		return 0, fmt.Errorf("parsing within: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative within: %s", p.Within)
	}
	return d, nil
}

// Validate checks p for missing or invalid values.
func (p *Predicate) Validate() error {
	if p == nil {
		return ErrNilPredicate
	}
	switch p.Kind {
	case HasTag:
		if p.Tag == "" {
			return ErrMissingTag
		}
	case Opened, Clicked, NotOpened:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPredicate, p.Kind)
	}
	_, err := p.window()
	return err
}

// engaged reports whether snap contains an event of type evType
// matching p's source, inside p's window and not before since.
func engaged(p *Predicate, snap *storage.Snapshot, evType storage.EventType, since time.Time) (bool, error) {
	window, err := p.window()
	if err != nil {
		return false, err
	}
	var notBefore time.Time
	if window > 0 {
		notBefore = snap.AsOf.Add(-window)
	}
	if since.After(notBefore) {
		notBefore = since
	}
	for _, ev := range snap.Events {
		if ev.Type != evType {
			continue
		}
		if p.Source != "" && ev.Source != p.Source {
			continue
		}
		if ev.At.Before(notBefore) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// Evaluate resolves p against snap.
// The since time is the start of the enrollment; the not_opened
// predicate only considers opens at or after it so that an open from
// a previous run of the workflow does not count.
func Evaluate(p *Predicate, snap *storage.Snapshot, since time.Time) (Result, error) {
	if p == nil {
		return "", ErrNilPredicate
	}
	if snap == nil {
		snap = &storage.Snapshot{}
	}
	switch p.Kind {
	case HasTag:
		if p.Tag == "" {
			return "", ErrMissingTag
		}
		return resultOf(snap.HasTag(p.Tag)), nil
	case Opened:
		ok, err := engaged(p, snap, storage.EventOpened, time.Time{})
		return resultOf(ok), err
	case Clicked:
		ok, err := engaged(p, snap, storage.EventClicked, time.Time{})
		return resultOf(ok), err
	case NotOpened:
		ok, err := engaged(p, snap, storage.EventOpened, since)
		return resultOf(!ok), err
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPredicate, p.Kind)
}
