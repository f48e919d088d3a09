// Package step executes the individual nodes of a workflow definition.
package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/graph"
	contact "github.com/micromdm/nanoflow/subsystem/contact/storage"
)

var (
	ErrUnknownKind     = errors.New("unknown node kind")
	ErrMissingSnapshot = errors.New("missing contact snapshot")
)

// Kind is the kind of an Outcome.
type Kind int

const (
	// Advance moves the enrollment to NodeID, resuming at ResumeAt.
	Advance Kind = iota + 1

	// Terminate completes the enrollment.
	Terminate

	// Retryable failures are retried at the same node after a backoff.
	Retryable

	// Fatal failures fail the enrollment.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Advance:
		return "advance"
	case Terminate:
		return "terminate"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Outcome is the result of executing a node.
type Outcome struct {
	Kind     Kind
	NodeID   string
	ResumeAt time.Time
	Err      error
}

// Input is everything an executor may read.
// Snapshot is only populated for condition nodes.
type Input struct {
	Definition *graph.Definition
	Node       *graph.Node
	Enrollment *storage.Enrollment
	Snapshot   *contact.Snapshot
	Now        time.Time
}

// Executor executes a single kind of node.
type Executor interface {
	Execute(ctx context.Context, in *Input) Outcome
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, in *Input) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, in *Input) Outcome {
	return f(ctx, in)
}

// Executors maps node kinds to their executors.
type Executors map[graph.Kind]Executor

// Execute dispatches in to the executor registered for the node kind.
// An unregistered kind is fatal.
func (e Executors) Execute(ctx context.Context, in *Input) Outcome {
	ex, ok := e[in.Node.Kind]
	if !ok || ex == nil {
		return Outcome{Kind: Fatal, Err: fmt.Errorf("%w: %q", ErrUnknownKind, in.Node.Kind)}
	}
	return ex.Execute(ctx, in)
}

// IdempotencyKey returns the key that makes repeated sends of a node
// for an enrollment collapse into one.
func IdempotencyKey(enrollmentID, nodeID string) string {
	return enrollmentID + ":" + nodeID
}

// next advances to the node following the input node for outcome.
// Without a following node the enrollment terminates.
func next(in *Input, outcome graph.Label, resumeAt time.Time) Outcome {
	to, ok, err := in.Definition.ResolveNext(in.Node.ID, outcome)
	if err != nil {
		return Outcome{Kind: Fatal, Err: err}
	}
	if !ok {
		return Outcome{Kind: Terminate}
	}
	return Outcome{Kind: Advance, NodeID: to, ResumeAt: resumeAt}
}

func retryable(err error) Outcome {
	return Outcome{Kind: Retryable, Err: err}
}

func fatal(err error) Outcome {
	return Outcome{Kind: Fatal, Err: err}
}
