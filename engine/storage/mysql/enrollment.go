package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
)

const enrollmentColumns = `
	id,
	workflow_id,
	workflow_version,
	contact_id,
	trigger_key,
	node_id,
	status,
	resume_at,
	revision,
	attempts,
	last_error,
	lease_owner,
	lease_expires_at,
	created_at,
	updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row scanner) (*storage.Enrollment, error) {
	var (
		e                 storage.Enrollment
		status            string
		resumeAt, leaseEx sql.NullTime
		lastErr, owner    sql.NullString
	)
	err := row.Scan(
		&e.ID,
		&e.WorkflowID,
		&e.WorkflowVersion,
		&e.ContactID,
		&e.TriggerKey,
		&e.NodeID,
		&status,
		&resumeAt,
		&e.Revision,
		&e.Attempts,
		&lastErr,
		&owner,
		&leaseEx,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = storage.Status(status)
	e.ResumeAt = resumeAt.Time
	e.LastError = lastErr.String
	e.LeaseOwner = owner.String
	e.LeaseExpiresAt = leaseEx.Time
	return &e, nil
}

func scanEnrollments(rows *sql.Rows) ([]*storage.Enrollment, error) {
	defer rows.Close()
	var ret []*storage.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return ret, err
		}
		ret = append(ret, e)
	}
	return ret, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func retrieveEnrollment(ctx context.Context, q querier, id string, forUpdate bool) (*storage.Enrollment, error) {
	query := `SELECT` + enrollmentColumns + ` FROM enrollments WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	e, err := scanEnrollment(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrEnrollmentNotFound, id)
	}
	return e, err
}

// CreateEnrollment implements the storage interface method.
func (s *MySQLStorage) CreateEnrollment(ctx context.Context, ne *storage.NewEnrollment, now time.Time) (*storage.Enrollment, error) {
	if err := ne.Validate(); err != nil {
		return nil, err
	}
	e := ne.Enrollment(now)
	_, err := s.db.ExecContext(
		ctx,
		`
INSERT INTO enrollments
	(id, workflow_id, workflow_version, contact_id, trigger_key, node_id, status, resume_at, revision, created_at, updated_at)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID,
		e.WorkflowID,
		e.WorkflowVersion,
		e.ContactID,
		e.TriggerKey,
		e.NodeID,
		string(e.Status),
		sqlNullTime(e.ResumeAt),
		e.Revision,
		e.CreatedAt.UTC(),
		e.UpdatedAt.UTC(),
	)
	if isDuplicateKey(err) {
		existing, err := scanEnrollment(s.db.QueryRowContext(
			ctx,
			`SELECT`+enrollmentColumns+` FROM enrollments WHERE workflow_id = ? AND contact_id = ? AND trigger_key = ?;`,
			ne.WorkflowID, ne.ContactID, ne.TriggerKey,
		))
		if err != nil {
			return nil, fmt.Errorf("getting duplicate enrollment: %w", err)
		}
		return existing, storage.ErrDuplicateEnrollment
	} else if err != nil {
		return nil, fmt.Errorf("inserting enrollment: %w", err)
	}
	return e, nil
}

// RetrieveEnrollment implements the storage interface method.
func (s *MySQLStorage) RetrieveEnrollment(ctx context.Context, id string) (*storage.Enrollment, error) {
	if id == "" {
		return nil, storage.ErrMissingEnrollmentID
	}
	return retrieveEnrollment(ctx, s.db, id, false)
}

// RetrieveEnrollments implements the storage interface method.
func (s *MySQLStorage) RetrieveEnrollments(ctx context.Context, q *storage.EnrollmentQuery) ([]*storage.Enrollment, error) {
	var (
		where []string
		args  []any
	)
	if q != nil {
		if q.WorkflowID != "" {
			where = append(where, "workflow_id = ?")
			args = append(args, q.WorkflowID)
		}
		if q.ContactID != "" {
			where = append(where, "contact_id = ?")
			args = append(args, q.ContactID)
		}
		if q.Status != "" {
			where = append(where, "status = ?")
			args = append(args, string(q.Status))
		}
	}
	query := `SELECT` + enrollmentColumns + ` FROM enrollments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if q != nil && q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying enrollments: %w", err)
	}
	return scanEnrollments(rows)
}

// CancelEnrollment implements the storage interface method.
func (s *MySQLStorage) CancelEnrollment(ctx context.Context, id string, expectedRevision int64, now time.Time) (*storage.Enrollment, error) {
	if id == "" {
		return nil, storage.ErrMissingEnrollmentID
	}
	var e *storage.Enrollment
	err := tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		e, err = retrieveEnrollment(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return storage.ErrEnrollmentTerminal
		}
		if expectedRevision != 0 && e.Revision != expectedRevision {
			return storage.ErrStaleEnrollment
		}
		t := &storage.Transition{Status: storage.StatusCancelled, ResumeAt: e.ResumeAt, Attempts: e.Attempts, LastError: e.LastError}
		t.Apply(e, now)
		_, err = tx.ExecContext(
			ctx,
			`
UPDATE enrollments
SET
	status = ?,
	revision = ?,
	lease_owner = NULL,
	lease_expires_at = NULL,
	claim_id = NULL,
	updated_at = ?
WHERE
	id = ?;`,
			string(e.Status),
			e.Revision,
			now.UTC(),
			e.ID,
		)
		if err != nil {
			return err
		}
		return pruneAttempts(ctx, tx, e.ID, e.Revision)
	})
	if errors.Is(err, storage.ErrEnrollmentNotFound) {
		return nil, err
	}
	return e, err
}
