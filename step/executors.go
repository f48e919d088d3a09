package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanoflow/condition"
	"github.com/micromdm/nanoflow/graph"
	"github.com/micromdm/nanoflow/messaging"
	contact "github.com/micromdm/nanoflow/subsystem/contact/storage"
)

// DefaultSendTimeout bounds a single send request.
const DefaultSendTimeout = 10 * time.Second

// TagMutator adds and removes contact tags.
type TagMutator interface {
	MutateTags(ctx context.Context, id string, op contact.TagOp, tag string) error
}

type config struct {
	sendTimeout time.Duration
}

// Option configures the executors.
type Option func(*config)

// WithSendTimeout sets the timeout of each send request.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.sendTimeout = timeout
	}
}

// New creates the executors for every node kind.
func New(sender messaging.Sender, tags TagMutator, opts ...Option) Executors {
	cfg := &config{sendTimeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(cfg)
	}
	return Executors{
		graph.KindTrigger:   ExecutorFunc(Trigger),
		graph.KindSendEmail: &SendEmail{sender: sender, timeout: cfg.sendTimeout},
		graph.KindDelay:     ExecutorFunc(Delay),
		graph.KindCondition: ExecutorFunc(Condition),
		graph.KindAddTag:    &Tag{tags: tags, op: contact.TagAdd},
		graph.KindRemoveTag: &Tag{tags: tags, op: contact.TagRemove},
	}
}

// Trigger moves past the trigger node immediately.
func Trigger(_ context.Context, in *Input) Outcome {
	return next(in, graph.LabelNone, in.Now)
}

// Delay parks the enrollment until the configured delay has elapsed.
func Delay(_ context.Context, in *Input) Outcome {
	d := in.Node.Delay.Duration()
	if d <= 0 {
		return fatal(fmt.Errorf("node %s: invalid delay", in.Node.ID))
	}
	return next(in, graph.LabelNone, in.Now.Add(d))
}

// Condition branches on the contact snapshot.
// Engagement is considered from the time the enrollment was created.
func Condition(_ context.Context, in *Input) Outcome {
	if in.Snapshot == nil {
		return retryable(ErrMissingSnapshot)
	}
	res, err := condition.Evaluate(in.Node.Predicate, in.Snapshot, in.Enrollment.CreatedAt)
	if err != nil {
		return fatal(fmt.Errorf("node %s: %w", in.Node.ID, err))
	}
	return next(in, graph.Label(res), in.Now)
}

// SendEmail requests a templated send for the enrolled contact.
type SendEmail struct {
	sender  messaging.Sender
	timeout time.Duration
}

func (s *SendEmail) Execute(ctx context.Context, in *Input) Outcome {
	if s.sender == nil {
		return fatal(errors.New("no sender configured"))
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := s.sender.RequestSend(
		ctx,
		IdempotencyKey(in.Enrollment.ID, in.Node.ID),
		in.Enrollment.ContactID,
		in.Node.Template,
	)
	if errors.Is(err, messaging.ErrRejected) {
		return fatal(err)
	} else if err != nil {
		return retryable(fmt.Errorf("requesting send: %w", err))
	}
	return next(in, graph.LabelNone, in.Now)
}

// Tag adds or removes a contact tag.
type Tag struct {
	tags TagMutator
	op   contact.TagOp
}

func (t *Tag) Execute(ctx context.Context, in *Input) Outcome {
	if t.tags == nil {
		return fatal(errors.New("no contact storage configured"))
	}
	if err := t.tags.MutateTags(ctx, in.Enrollment.ContactID, t.op, in.Node.Tag); err != nil {
		return retryable(fmt.Errorf("%s tag %s: %w", t.op, in.Node.Tag, err))
	}
	return next(in, graph.LabelNone, in.Now)
}
