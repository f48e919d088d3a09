// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// a contact identifier. owned by the CRM; we only reference it.
	ContactID = "contact_id"

	EnrollmentID = "enrollment_id"
	WorkflowID   = "workflow_id"

	// version of the workflow definition an enrollment resolves against.
	WorkflowVersion = "workflow_version"

	NodeID   = "node_id"
	NodeKind = "node_kind"

	// the optimistic concurrency revision of an enrollment.
	Revision = "revision"

	Status  = "status"
	Outcome = "outcome"

	// identifies the worker holding a lease.
	WorkerID = "worker_id"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
