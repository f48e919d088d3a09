// Package storage defines types and primitives for workflow engine storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/micromdm/nanoflow/graph"
)

var (
	// ErrStaleEnrollment is returned when an optimistic write does not
	// match the stored revision (or the enrollment is already terminal).
	// It means another writer already advanced the enrollment.
	ErrStaleEnrollment = errors.New("stale enrollment")

	ErrEnrollmentNotFound  = errors.New("enrollment not found")
	ErrEnrollmentTerminal  = errors.New("enrollment is terminal")
	ErrDuplicateEnrollment = errors.New("duplicate enrollment")
	ErrDefinitionNotFound  = errors.New("definition not found")

	ErrEmptyEnrollment     = errors.New("empty enrollment")
	ErrMissingWorkflowID   = errors.New("missing workflow id")
	ErrMissingVersion      = errors.New("missing workflow version")
	ErrMissingContactID    = errors.New("missing contact id")
	ErrMissingNodeID       = errors.New("missing node id")
	ErrMissingEnrollmentID = errors.New("missing enrollment id")
	ErrInvalidStatus       = errors.New("invalid status")
)

// Status is the status of an enrollment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is final. No transitions leave a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Enrollment is a single contact's traversal of one workflow version.
type Enrollment struct {
	ID              string `json:"id"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version"`
	ContactID       string `json:"contact_id"`

	// TriggerKey identifies the trigger event that created this
	// enrollment. (WorkflowID, ContactID, TriggerKey) is unique.
	TriggerKey string `json:"trigger_key,omitempty"`

	NodeID   string    `json:"node_id"`
	Status   Status    `json:"status"`
	ResumeAt time.Time `json:"resume_at"`

	// Revision increases with every write and guards optimistic updates.
	Revision int64 `json:"revision"`

	// Attempts counts consecutive retryable failures at NodeID.
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`

	// Lease fields are the in-flight marker of a claimed enrollment.
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leased reports whether e is held by an unexpired lease at now.
func (e *Enrollment) Leased(now time.Time) bool {
	return e.LeaseOwner != "" && now.Before(e.LeaseExpiresAt)
}

// Claimable reports whether e may be claimed at now.
func (e *Enrollment) Claimable(now time.Time) bool {
	if e.Status != StatusPending && e.Status != StatusWaiting {
		return false
	}
	return !e.ResumeAt.After(now) && !e.Leased(now)
}

// NewEnrollment is a request to create an enrollment.
type NewEnrollment struct {
	ID              string
	WorkflowID      string
	WorkflowVersion int
	ContactID       string
	TriggerKey      string
	StartNodeID     string
}

// Validate checks for missing values.
func (ne *NewEnrollment) Validate() error {
	if ne == nil {
		return ErrEmptyEnrollment
	}
	switch {
	case ne.ID == "":
		return ErrMissingEnrollmentID
	case ne.WorkflowID == "":
		return ErrMissingWorkflowID
	case ne.WorkflowVersion < 1:
		return ErrMissingVersion
	case ne.ContactID == "":
		return ErrMissingContactID
	case ne.StartNodeID == "":
		return ErrMissingNodeID
	}
	return nil
}

// Enrollment creates the initial pending enrollment for ne at now.
func (ne *NewEnrollment) Enrollment(now time.Time) *Enrollment {
	return &Enrollment{
		ID:              ne.ID,
		WorkflowID:      ne.WorkflowID,
		WorkflowVersion: ne.WorkflowVersion,
		ContactID:       ne.ContactID,
		TriggerKey:      ne.TriggerKey,
		NodeID:          ne.StartNodeID,
		Status:          StatusPending,
		ResumeAt:        now,
		Revision:        1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Transition is an optimistic write moving an enrollment to its next state.
type Transition struct {
	EnrollmentID     string
	ExpectedRevision int64

	NodeID    string
	Status    Status
	ResumeAt  time.Time
	Attempts  int
	LastError string
}

// Validate checks for missing values.
func (t *Transition) Validate() error {
	if t == nil {
		return ErrEmptyEnrollment
	}
	if t.EnrollmentID == "" {
		return ErrMissingEnrollmentID
	}
	if !t.Status.Valid() || t.Status == StatusPending {
		return ErrInvalidStatus
	}
	if !t.Status.Terminal() && t.NodeID == "" {
		return ErrMissingNodeID
	}
	return nil
}

// Apply writes t onto e as of now. The revision is incremented and the lease released.
// Callers must have already checked the expected revision.
func (t *Transition) Apply(e *Enrollment, now time.Time) {
	if t.NodeID != "" {
		e.NodeID = t.NodeID
	}
	e.Status = t.Status
	e.ResumeAt = t.ResumeAt
	e.Attempts = t.Attempts
	e.LastError = t.LastError
	e.Revision++
	e.LeaseOwner = ""
	e.LeaseExpiresAt = time.Time{}
	e.UpdatedAt = now
}

// EnrollmentQuery filters enrollments for reporting.
// Empty fields match everything.
type EnrollmentQuery struct {
	WorkflowID string
	ContactID  string
	Status     Status
	Limit      int
}

// Match reports whether e matches q.
func (q *EnrollmentQuery) Match(e *Enrollment) bool {
	if q == nil {
		return true
	}
	if q.WorkflowID != "" && e.WorkflowID != q.WorkflowID {
		return false
	}
	if q.ContactID != "" && e.ContactID != q.ContactID {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	return true
}

// EnrollmentStorage stores enrollments and coordinates workers.
type EnrollmentStorage interface {
	// CreateEnrollment inserts a new pending enrollment due at now.
	// If an enrollment with the same workflow ID, contact ID and trigger
	// key exists, that enrollment is returned with ErrDuplicateEnrollment.
	CreateEnrollment(ctx context.Context, ne *NewEnrollment, now time.Time) (*Enrollment, error)

	// RetrieveEnrollment returns the enrollment with id.
	// ErrEnrollmentNotFound is returned if it does not exist.
	RetrieveEnrollment(ctx context.Context, id string) (*Enrollment, error)

	// RetrieveEnrollments returns enrollments matching q.
	RetrieveEnrollments(ctx context.Context, q *EnrollmentQuery) ([]*Enrollment, error)

	// CancelEnrollment cancels a non-terminal enrollment.
	// An expectedRevision of zero cancels whatever the current revision is.
	// ErrStaleEnrollment is returned for a mismatched revision and
	// ErrEnrollmentTerminal for an already terminal enrollment.
	CancelEnrollment(ctx context.Context, id string, expectedRevision int64, now time.Time) (*Enrollment, error)
}

// WorkerStorage is used by the workflow engine worker to claim and advance enrollments.
type WorkerStorage interface {
	// ClaimDue atomically claims up to limit pending or waiting
	// enrollments whose resume time is at or before now and which have
	// no unexpired lease. Claimed enrollments are leased to workerID
	// until now+lease and their revision is incremented. The returned
	// enrollments carry the new revision.
	//
	// No enrollment is returned to two callers while its lease is outstanding.
	ClaimDue(ctx context.Context, limit int, workerID string, now time.Time, lease time.Duration) ([]*Enrollment, error)

	// CommitTransition applies t if the stored revision equals
	// t.ExpectedRevision. Otherwise ErrStaleEnrollment is returned
	// and nothing is written.
	CommitTransition(ctx context.Context, t *Transition, now time.Time) error

	// RecordAttempt records that the node of an enrollment at a revision
	// is being executed. False is returned if that was already recorded.
	RecordAttempt(ctx context.Context, enrollmentID, nodeID string, revision int64) (bool, error)
}

// DefinitionStorage stores versioned workflow definitions.
type DefinitionStorage interface {
	// StoreDefinition stores d and returns its version.
	// If the latest stored version of d.ID is a draft it is replaced,
	// otherwise a new version is created. Stored versions are draft.
	StoreDefinition(ctx context.Context, d *graph.Definition) (int, error)

	// RetrieveDefinition returns a definition version.
	// A version of zero returns the latest version.
	RetrieveDefinition(ctx context.Context, id string, version int) (*graph.Definition, error)

	// RetrieveActiveDefinition returns the active or paused version of id.
	RetrieveActiveDefinition(ctx context.Context, id string) (*graph.Definition, error)

	// UpdateDefinitionStatus sets the status of a definition version.
	// Setting a version active or paused archives any other active or
	// paused version of the same workflow.
	UpdateDefinitionStatus(ctx context.Context, id string, version int, status graph.Status) error

	// RetrieveDefinitionIDs returns the IDs of all stored workflows.
	RetrieveDefinitionIDs(ctx context.Context) ([]string, error)
}

// Storage is the primary interface for workflow engine backend storage implementations.
type Storage interface {
	EnrollmentStorage
	DefinitionStorage
}

type AllStorage interface {
	Storage
	WorkerStorage
}
