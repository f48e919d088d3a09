package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/graph"
	"github.com/micromdm/nanoflow/log/logkeys"
	"github.com/micromdm/nanoflow/step"
	contact "github.com/micromdm/nanoflow/subsystem/contact/storage"
	"github.com/micromdm/nanoflow/utils/uuid"

	"github.com/micromdm/nanolib/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultClaimLimit   = 100
	DefaultLease        = time.Minute
	DefaultMaxAttempts  = 5
	DefaultBackoff      = 30 * time.Second
	DefaultMaxBackoff   = time.Hour
	DefaultStepTimeout  = 15 * time.Second
	DefaultStoreTimeout = 10 * time.Second
	DefaultConcurrency  = 8
)

// DefinitionFinder finds definition versions.
type DefinitionFinder interface {
	Definition(ctx context.Context, id string, version int) (*graph.Definition, error)
}

// Executor executes a single node.
type Executor interface {
	Execute(ctx context.Context, in *step.Input) step.Outcome
}

// Worker claims due enrollments on an interval and advances each one step.
type Worker struct {
	defs     DefinitionFinder
	storage  storage.WorkerStorage
	contacts contact.ReadStorage
	executor Executor
	logger   log.Logger

	// interval is the polling interval. It is also how long
	// enrollments of a paused workflow are parked.
	interval time.Duration

	claimLimit  int
	lease       time.Duration
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	stepTimeout time.Duration

	// storeTimeout bounds each storage call.
	storeTimeout time.Duration

	concurrency int
	workerID    string
	clock       func() time.Time
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerInterval configures the polling interval for the worker.
func WithWorkerInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.interval = d
	}
}

// WithClaimLimit sets the maximum number of enrollments claimed per pass.
func WithClaimLimit(n int) WorkerOption {
	return func(w *Worker) {
		w.claimLimit = n
	}
}

// WithLease sets how long a claimed enrollment is held before other
// workers may claim it again.
func WithLease(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.lease = d
	}
}

// WithMaxAttempts sets the number of attempts at a node before the
// enrollment fails.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		w.maxAttempts = n
	}
}

// WithBackoff sets the retry backoff. It doubles with every attempt
// up to max.
func WithBackoff(base, max time.Duration) WorkerOption {
	return func(w *Worker) {
		w.backoff = base
		w.maxBackoff = max
	}
}

// WithStepTimeout bounds the execution of a single step.
// The timeout is kept below the lease so a slow step cannot outlive
// its claim.
func WithStepTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.stepTimeout = d
	}
}

// WithStoreTimeout bounds each storage call made by the worker.
// Zero disables the bound.
func WithStoreTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.storeTimeout = d
	}
}

// WithConcurrency sets how many enrollments are processed at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		w.concurrency = n
	}
}

// WithWorkerID sets the lease owner identity of the worker.
func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) {
		w.workerID = id
	}
}

// WithWorkerClock sets the time source of the worker.
func WithWorkerClock(clock func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.clock = clock
	}
}

func NewWorker(defs DefinitionFinder, storage storage.WorkerStorage, contacts contact.ReadStorage, executor Executor, opts ...WorkerOption) *Worker {
	w := &Worker{
		defs:     defs,
		storage:  storage,
		contacts: contacts,
		executor: executor,
		logger:   log.NopLogger,
		interval: DefaultInterval,

		claimLimit:  DefaultClaimLimit,
		lease:       DefaultLease,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		maxBackoff:  DefaultMaxBackoff,
		stepTimeout: DefaultStepTimeout,
		concurrency: DefaultConcurrency,

		storeTimeout: DefaultStoreTimeout,
		workerID:     uuid.NewUUID().ID(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.lease > 0 && (w.stepTimeout <= 0 || w.stepTimeout >= w.lease) {
		w.stepTimeout = w.lease / 2
	}
	return w
}

// Backoff returns the retry delay after attempts failed attempts.
func (w *Worker) Backoff(attempts int) time.Duration {
	d := w.backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if w.maxBackoff > 0 && d >= w.maxBackoff {
			return w.maxBackoff
		}
	}
	if w.maxBackoff > 0 && d > w.maxBackoff {
		return w.maxBackoff
	}
	return d
}

// withStoreTimeout derives a context for a single storage call.
func (w *Worker) withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.storeTimeout)
}

// RunOnce claims due enrollments and processes them.
func (w *Worker) RunOnce(ctx context.Context) error {
	_, err := w.pass(ctx)
	return err
}

// pass runs a single claim and process pass, returning the number of
// claimed enrollments.
func (w *Worker) pass(ctx context.Context) (int, error) {
	sctx, cancel := w.withStoreTimeout(ctx)
	claimed, err := w.storage.ClaimDue(sctx, w.claimLimit, w.workerID, w.clock(), w.lease)
	cancel()
	if err != nil {
		return 0, logAndError(err, w.logger, "claiming enrollments")
	}
	if len(claimed) < 1 {
		return 0, nil
	}
	claimsTotal.Add(float64(len(claimed)))
	w.logger.Debug(
		logkeys.Message, "claimed enrollments",
		logkeys.WorkerID, w.workerID,
		logkeys.GenericCount, len(claimed),
	)

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, e := range claimed {
		e := e
		g.Go(func() error {
			w.process(ctx, e)
			return nil
		})
	}
	return len(claimed), g.Wait()
}

// Run starts and runs the worker forever on an interval.
// A pass that claimed a full batch is followed by another immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(
		logkeys.Message, "starting worker",
		logkeys.WorkerID, w.workerID,
		"interval", w.interval,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for ctx.Err() == nil {
				n, err := w.pass(ctx)
				if err != nil || n < w.claimLimit {
					break
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// outcomeLabel names an outcome for logs and metrics.
func outcomeLabel(out step.Outcome) string {
	return out.Kind.String()
}

// process executes the current node of a claimed enrollment and
// commits exactly one transition.
func (w *Worker) process(ctx context.Context, e *storage.Enrollment) {
	logger := w.logger.With(
		logkeys.EnrollmentID, e.ID,
		logkeys.WorkflowID, e.WorkflowID,
		logkeys.WorkflowVersion, e.WorkflowVersion,
		logkeys.NodeID, e.NodeID,
		logkeys.Revision, e.Revision,
	)

	// claims still queued when the lease is about to run out are
	// left to expire and be claimed again
	if !w.clock().Add(w.stepTimeout).Before(e.LeaseExpiresAt) {
		expiredClaimsTotal.Inc()
		logger.Debug(
			logkeys.Message, "abandoning claim: lease expiring",
			"lease_expires_at", e.LeaseExpiresAt,
		)
		return
	}

	t := &storage.Transition{
		EnrollmentID:     e.ID,
		ExpectedRevision: e.Revision,
		NodeID:           e.NodeID,
	}

	dctx, cancel := w.withStoreTimeout(ctx)
	d, err := w.defs.Definition(dctx, e.WorkflowID, e.WorkflowVersion)
	cancel()
	if errors.Is(err, storage.ErrDefinitionNotFound) {
		w.commit(ctx, logger, e, t, "", step.Outcome{Kind: step.Fatal, Err: err})
		return
	} else if err != nil {
		w.commit(ctx, logger, e, t, "", step.Outcome{Kind: step.Retryable, Err: fmt.Errorf("retrieving definition: %w", err)})
		return
	}

	if d.Status == graph.StatusPaused {
		t.Status = storage.StatusWaiting
		t.ResumeAt = w.clock().Add(w.interval)
		t.Attempts = e.Attempts
		t.LastError = e.LastError
		outcomesTotal.WithLabelValues("", "paused").Inc()
		w.commitTransition(ctx, logger.With(logkeys.Outcome, "paused"), t)
		return
	}

	node, ok := d.Node(e.NodeID)
	if !ok {
		w.commit(ctx, logger, e, t, "", step.Outcome{Kind: step.Fatal, Err: fmt.Errorf("%w: %s", graph.ErrNoSuchNode, e.NodeID)})
		return
	}
	logger = logger.With(logkeys.NodeKind, node.Kind)

	actx, cancel := w.withStoreTimeout(ctx)
	first, err := w.storage.RecordAttempt(actx, e.ID, e.NodeID, e.Revision)
	cancel()
	if err != nil {
		logger.Info(logkeys.Message, "recording attempt", logkeys.Error, err)
		return
	} else if !first {
		logger.Debug(logkeys.Message, "attempt already recorded")
		return
	}

	in := &step.Input{
		Definition: d,
		Node:       node,
		Enrollment: e,
		Now:        w.clock(),
	}
	sctx, cancel := context.WithTimeout(ctx, w.stepTimeout)
	defer cancel()
	if node.Kind == graph.KindCondition {
		if in.Snapshot, err = w.contacts.RetrieveSnapshot(sctx, e.ContactID); err != nil {
			w.commit(ctx, logger, e, t, node.Kind, step.Outcome{Kind: step.Retryable, Err: fmt.Errorf("retrieving contact snapshot: %w", err)})
			return
		}
		// engagement windows are measured on the worker clock
		in.Snapshot.AsOf = in.Now
	}

	start := time.Now()
	out := w.executor.Execute(sctx, in)
	cancel()
	stepDuration.WithLabelValues(string(node.Kind)).Observe(time.Since(start).Seconds())

	w.commit(ctx, logger, e, t, node.Kind, out)
}

// commit maps out onto t and commits it.
func (w *Worker) commit(ctx context.Context, logger log.Logger, e *storage.Enrollment, t *storage.Transition, kind graph.Kind, out step.Outcome) {
	now := w.clock()
	switch out.Kind {
	case step.Advance:
		t.Status = storage.StatusWaiting
		t.NodeID = out.NodeID
		t.ResumeAt = out.ResumeAt
		if t.ResumeAt.IsZero() {
			t.ResumeAt = now
		}
	case step.Terminate:
		t.Status = storage.StatusCompleted
	case step.Retryable:
		t.Attempts = e.Attempts + 1
		t.LastError = errString(out.Err)
		if t.Attempts >= w.maxAttempts {
			t.Status = storage.StatusFailed
		} else {
			t.Status = storage.StatusWaiting
			t.ResumeAt = now.Add(w.Backoff(t.Attempts))
		}
	default:
		t.Status = storage.StatusFailed
		t.LastError = errString(out.Err)
	}

	outcomesTotal.WithLabelValues(string(kind), outcomeLabel(out)).Inc()
	logger = logger.With(
		logkeys.Outcome, outcomeLabel(out),
		logkeys.Status, t.Status,
	)
	if out.Err != nil {
		logger = logger.With(logkeys.Error, out.Err)
	}
	w.commitTransition(ctx, logger, t)
}

func (w *Worker) commitTransition(ctx context.Context, logger log.Logger, t *storage.Transition) {
	ctx, cancel := w.withStoreTimeout(ctx)
	defer cancel()
	err := w.storage.CommitTransition(ctx, t, w.clock())
	if errors.Is(err, storage.ErrStaleEnrollment) {
		staleCommitsTotal.Inc()
		logger.Debug(logkeys.Message, "stale transition discarded")
		return
	} else if err != nil {
		logger.Info(logkeys.Message, "committing transition", logkeys.Error, err)
		return
	}
	if t.Status == storage.StatusFailed {
		logger.Info(logkeys.Message, "enrollment failed")
		return
	}
	logger.Debug(logkeys.Message, "committed transition")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
