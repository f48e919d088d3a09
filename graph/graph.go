// Package graph models workflow definitions: a trigger node, step nodes
// and the directed, optionally labeled edges between them.
//
// Definitions are read-only once stored. Editing an active workflow
// creates a new version; enrollments keep resolving nodes against the
// version they were created under.
package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanoflow/condition"
)

var (
	ErrNoSuchNode = errors.New("no such node")
	ErrNoTrigger  = errors.New("no trigger node")
)

// Kind is the kind of a node.
type Kind string

const (
	KindTrigger   Kind = "trigger"
	KindSendEmail Kind = "send_email"
	KindDelay     Kind = "delay"
	KindCondition Kind = "condition"
	KindAddTag    Kind = "add_tag"
	KindRemoveTag Kind = "remove_tag"
)

// Valid reports whether k is a known node kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTrigger, KindSendEmail, KindDelay, KindCondition, KindAddTag, KindRemoveTag:
		return true
	}
	return false
}

// Status is the lifecycle status of a definition version.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusArchived:
		return true
	}
	return false
}

// Label labels an edge leaving a condition node.
type Label string

const (
	LabelNone Label = ""
	LabelYes  Label = Label(condition.Yes)
	LabelNo   Label = Label(condition.No)
)

// Unit is a delay unit.
type Unit string

const (
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

// Duration returns the length of one u.
// Zero is returned for unknown units.
func (u Unit) Duration() time.Duration {
	switch u {
	case Minutes:
		return time.Minute
	case Hours:
		return time.Hour
	case Days:
		return 24 * time.Hour
	}
	return 0
}

// Delay configures a delay node.
type Delay struct {
	Value int  `json:"value" yaml:"value"`
	Unit  Unit `json:"unit" yaml:"unit"`
}

// Duration returns the configured delay.
func (d *Delay) Duration() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(d.Value) * d.Unit.Duration()
}

// Trigger configures the trigger node. It describes the event that the
// ingestion collaborator matches to create enrollments (for example
// event "list_added" with the list identifier as Ref).
type Trigger struct {
	Event string `json:"event" yaml:"event"`
	Ref   string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// Node is a single trigger or step in a definition.
// Only the configuration field of its kind is used.
type Node struct {
	ID   string `json:"id" yaml:"id"`
	Kind Kind   `json:"kind" yaml:"kind"`

	Trigger   *Trigger             `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Template  string               `json:"template,omitempty" yaml:"template,omitempty"`
	Delay     *Delay               `json:"delay,omitempty" yaml:"delay,omitempty"`
	Predicate *condition.Predicate `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Tag       string               `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// Edge routes progress from one node to another.
type Edge struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Label Label  `json:"label,omitempty" yaml:"label,omitempty"`
}

// Definition is a single version of a workflow.
type Definition struct {
	ID      string `json:"id" yaml:"id"`
	Tenant  string `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Version int    `json:"version,omitempty" yaml:"version,omitempty"`
	Status  Status `json:"status,omitempty" yaml:"status,omitempty"`

	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Node returns the node with id.
func (d *Definition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Trigger returns the first trigger node.
func (d *Definition) Trigger() (*Node, error) {
	for i := range d.Nodes {
		if d.Nodes[i].Kind == KindTrigger {
			return &d.Nodes[i], nil
		}
	}
	return nil, ErrNoTrigger
}

// Outgoing returns the edges leaving node id in definition order.
func (d *Definition) Outgoing(id string) []Edge {
	var edges []Edge
	for _, e := range d.Edges {
		if e.From == id {
			edges = append(edges, e)
		}
	}
	return edges
}

// ResolveNext returns the node to move to after node id.
// The outcome is only considered for condition nodes. False is returned
// when there is no outgoing edge, i.e. the enrollment is done.
func (d *Definition) ResolveNext(id string, outcome Label) (string, bool, error) {
	n, ok := d.Node(id)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrNoSuchNode, id)
	}
	for _, e := range d.Outgoing(id) {
		if n.Kind != KindCondition || e.Label == outcome {
			return e.To, true, nil
		}
	}
	return "", false, nil
}

// VersionKey uniquely identifies a definition version.
func VersionKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}
