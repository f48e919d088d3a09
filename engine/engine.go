// Package engine implements the NanoFlow workflow engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/graph"
	"github.com/micromdm/nanoflow/log/logkeys"
	"github.com/micromdm/nanoflow/utils/uuid"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrNotActive       = errors.New("workflow not active")
	ErrNotPaused       = errors.New("workflow not paused")
	ErrEmptyDefinition = errors.New("empty definition")
)

// DefaultCacheTTL is how long a cached definition is trusted.
// Definition content never changes for a version but its status may
// be changed by another process.
const DefaultCacheTTL = time.Minute

type cachedDefinition struct {
	d       *graph.Definition
	expires time.Time
}

// Engine manages workflow definitions and enrollments.
type Engine struct {
	defsMu sync.RWMutex
	defs   map[string]cachedDefinition // keyed by graph.VersionKey

	storage storage.Storage

	logger   log.Logger
	ider     uuid.IDer
	clock    func() time.Time
	cacheTTL time.Duration
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithIDer sets the generator of enrollment IDs.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// WithClock sets the time source of the engine.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithCacheTTL configures how long definitions are cached.
// A zero TTL disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.cacheTTL = ttl
	}
}

// New creates a new NanoFlow engine with default configurations.
func New(storage storage.Storage, opts ...Option) *Engine {
	engine := &Engine{
		defs:     make(map[string]cachedDefinition),
		storage:  storage,
		logger:   log.NopLogger,
		ider:     uuid.NewUUID(),
		clock:    time.Now,
		cacheTTL: DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

func (e *Engine) forget(id string, version int) {
	e.defsMu.Lock()
	defer e.defsMu.Unlock()
	delete(e.defs, graph.VersionKey(id, version))
}

// Definition returns a definition version. A version of zero returns the latest.
// Specific versions are served from the cache.
func (e *Engine) Definition(ctx context.Context, id string, version int) (*graph.Definition, error) {
	if version < 1 {
		return e.storage.RetrieveDefinition(ctx, id, 0)
	}
	key := graph.VersionKey(id, version)
	now := e.clock()
	e.defsMu.RLock()
	c, ok := e.defs[key]
	e.defsMu.RUnlock()
	if ok && now.Before(c.expires) {
		return c.d, nil
	}

	d, err := e.storage.RetrieveDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	// drafts change in place
	if e.cacheTTL > 0 && d.Status != graph.StatusDraft {
		e.defsMu.Lock()
		e.defs[key] = cachedDefinition{d: d, expires: now.Add(e.cacheTTL)}
		e.defsMu.Unlock()
	}
	return d, nil
}

// PutDefinition stores d as a draft and returns its version.
// Only the workflow ID is checked; the graph is validated on activation.
func (e *Engine) PutDefinition(ctx context.Context, d *graph.Definition) (int, error) {
	if d == nil {
		return 0, ErrEmptyDefinition
	}
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.WorkflowID, d.ID)
	version, err := e.storage.StoreDefinition(ctx, d)
	if err != nil {
		return 0, logAndError(err, logger, "storing definition")
	}
	e.forget(d.ID, version)
	logger.Debug(
		logkeys.Message, "stored definition",
		logkeys.WorkflowVersion, version,
	)
	return version, nil
}

// ValidateDefinition validates a stored definition version.
// A *graph.InvalidError lists every violation.
func (e *Engine) ValidateDefinition(ctx context.Context, id string, version int) error {
	d, err := e.storage.RetrieveDefinition(ctx, id, version)
	if err != nil {
		return err
	}
	return graph.Validate(d)
}

// ActivateDefinition validates and activates a definition version,
// archiving any previously active version. Existing enrollments keep
// running against the version they were created with.
// A version of zero activates the latest version.
func (e *Engine) ActivateDefinition(ctx context.Context, id string, version int) (int, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.WorkflowID, id)
	d, err := e.storage.RetrieveDefinition(ctx, id, version)
	if err != nil {
		return 0, err
	}
	if err = graph.Validate(d); err != nil {
		logger.Debug(
			logkeys.Message, "activation rejected",
			logkeys.WorkflowVersion, d.Version,
			logkeys.Error, err,
		)
		return d.Version, err
	}
	var prev *graph.Definition
	if prev, err = e.storage.RetrieveActiveDefinition(ctx, id); err != nil && !errors.Is(err, storage.ErrDefinitionNotFound) {
		return 0, logAndError(err, logger, "retrieving active definition")
	}
	if err = e.storage.UpdateDefinitionStatus(ctx, id, d.Version, graph.StatusActive); err != nil {
		return 0, logAndError(err, logger, "activating definition")
	}
	e.forget(id, d.Version)
	if prev != nil {
		e.forget(id, prev.Version)
	}
	logger.Info(
		logkeys.Message, "activated definition",
		logkeys.WorkflowVersion, d.Version,
	)
	return d.Version, nil
}

// setActiveStatus moves the active version of id from status from to status to.
func (e *Engine) setActiveStatus(ctx context.Context, id string, from, to graph.Status, errWrongStatus error) error {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.WorkflowID, id)
	d, err := e.storage.RetrieveActiveDefinition(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != from {
		return fmt.Errorf("%w: %s is %s", errWrongStatus, graph.VersionKey(id, d.Version), d.Status)
	}
	if err = e.storage.UpdateDefinitionStatus(ctx, id, d.Version, to); err != nil {
		return logAndError(err, logger, "updating definition status")
	}
	e.forget(id, d.Version)
	logger.Info(
		logkeys.Message, "definition status changed",
		logkeys.WorkflowVersion, d.Version,
		logkeys.Status, to,
	)
	return nil
}

// PauseDefinition pauses the active version of id.
// Due enrollments of a paused workflow are parked until it is resumed.
func (e *Engine) PauseDefinition(ctx context.Context, id string) error {
	return e.setActiveStatus(ctx, id, graph.StatusActive, graph.StatusPaused, ErrNotActive)
}

// ResumeDefinition resumes the paused version of id.
func (e *Engine) ResumeDefinition(ctx context.Context, id string) error {
	return e.setActiveStatus(ctx, id, graph.StatusPaused, graph.StatusActive, ErrNotPaused)
}

// Enroll enrolls contactID into the active version of workflowID for
// the trigger event identified by triggerKey. An enrollment that
// already exists for the same trigger is returned along with
// storage.ErrDuplicateEnrollment.
func (e *Engine) Enroll(ctx context.Context, workflowID, contactID, triggerKey string) (*storage.Enrollment, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.WorkflowID, workflowID,
		logkeys.ContactID, contactID,
	)
	d, err := e.storage.RetrieveActiveDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if d.Status != graph.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, graph.VersionKey(workflowID, d.Version), d.Status)
	}
	trigger, err := d.Trigger()
	if err != nil {
		return nil, err
	}
	enr, err := e.storage.CreateEnrollment(ctx, &storage.NewEnrollment{
		ID:              e.ider.ID(),
		WorkflowID:      workflowID,
		WorkflowVersion: d.Version,
		ContactID:       contactID,
		TriggerKey:      triggerKey,
		StartNodeID:     trigger.ID,
	}, e.clock())
	if errors.Is(err, storage.ErrDuplicateEnrollment) {
		logger.Debug(
			logkeys.Message, "duplicate trigger",
			logkeys.EnrollmentID, enr.ID,
		)
		return enr, err
	} else if err != nil {
		return nil, logAndError(err, logger, "creating enrollment")
	}
	logger.Info(
		logkeys.Message, "enrolled",
		logkeys.EnrollmentID, enr.ID,
		logkeys.WorkflowVersion, enr.WorkflowVersion,
	)
	return enr, nil
}

// CancelEnrollment cancels an enrollment. A revision of zero cancels
// regardless of the current revision. An in-flight step of a
// cancelled enrollment fails to commit and has no further effect.
func (e *Engine) CancelEnrollment(ctx context.Context, id string, revision int64) (*storage.Enrollment, error) {
	enr, err := e.storage.CancelEnrollment(ctx, id, revision, e.clock())
	if err != nil {
		return enr, err
	}
	ctxlog.Logger(ctx, e.logger).Info(
		logkeys.Message, "cancelled enrollment",
		logkeys.EnrollmentID, id,
		logkeys.WorkflowID, enr.WorkflowID,
	)
	return enr, nil
}

// Enrollment returns the enrollment with id.
func (e *Engine) Enrollment(ctx context.Context, id string) (*storage.Enrollment, error) {
	return e.storage.RetrieveEnrollment(ctx, id)
}

// Enrollments returns the enrollments matching q.
func (e *Engine) Enrollments(ctx context.Context, q *storage.EnrollmentQuery) ([]*storage.Enrollment, error) {
	return e.storage.RetrieveEnrollments(ctx, q)
}

// sameGraph reports whether a and b describe the same workflow.
func sameGraph(a, b *graph.Definition) bool {
	if a.Name != b.Name || a.Tenant != b.Tenant || len(a.Nodes) != len(b.Nodes) || len(a.Edges) != len(b.Edges) {
		return false
	}
	for i := range a.Nodes {
		if !reflect.DeepEqual(a.Nodes[i], b.Nodes[i]) {
			return false
		}
	}
	for i := range a.Edges {
		if a.Edges[i] != b.Edges[i] {
			return false
		}
	}
	return true
}

// LoadDefinitions stores and activates each definition.
// Definitions identical to the active version are skipped.
func (e *Engine) LoadDefinitions(ctx context.Context, defs []*graph.Definition) error {
	for _, d := range defs {
		active, err := e.storage.RetrieveActiveDefinition(ctx, d.ID)
		if err != nil && !errors.Is(err, storage.ErrDefinitionNotFound) {
			return err
		}
		if active != nil && sameGraph(active, d) {
			e.logger.Debug(
				logkeys.Message, "definition unchanged",
				logkeys.WorkflowID, d.ID,
				logkeys.WorkflowVersion, active.Version,
			)
			continue
		}
		version, err := e.PutDefinition(ctx, d)
		if err != nil {
			return err
		}
		if _, err = e.ActivateDefinition(ctx, d.ID, version); err != nil {
			return fmt.Errorf("activating %s: %w", graph.VersionKey(d.ID, version), err)
		}
	}
	return nil
}
