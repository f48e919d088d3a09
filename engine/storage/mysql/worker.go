package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanoflow/engine/storage"
)

// ClaimDue implements the storage interface method.
func (s *MySQLStorage) ClaimDue(ctx context.Context, limit int, workerID string, now time.Time, lease time.Duration) ([]*storage.Enrollment, error) {
	if limit < 1 {
		return nil, nil
	}
	if workerID == "" {
		return nil, errors.New("empty worker id")
	}
	var ret []*storage.Enrollment
	err := tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		claimID := s.randHexString("claim")
		_, err := tx.ExecContext(
			ctx,
			`
UPDATE enrollments
SET
	claim_id = ?,
	lease_owner = ?,
	lease_expires_at = ?,
	revision = revision + 1,
	updated_at = ?
WHERE
	status IN ('pending', 'waiting') AND
	resume_at <= ? AND
	(lease_owner IS NULL OR lease_expires_at <= ?)
ORDER BY
	resume_at, id
LIMIT ?;`,
			claimID,
			workerID,
			now.Add(lease).UTC(),
			now.UTC(),
			now.UTC(),
			now.UTC(),
			limit,
		)
		if err != nil {
			return fmt.Errorf("update enrollments with claim (%s): %w", claimID, err)
		}
		rows, err := tx.QueryContext(
			ctx,
			`SELECT`+enrollmentColumns+` FROM enrollments WHERE claim_id = ? ORDER BY resume_at, id;`,
			claimID,
		)
		if err != nil {
			return fmt.Errorf("get enrollments by claim: %w", err)
		}
		ret, err = scanEnrollments(rows)
		return err
	})
	return ret, err
}

// CommitTransition implements the storage interface method.
func (s *MySQLStorage) CommitTransition(ctx context.Context, t *storage.Transition, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`
UPDATE enrollments
SET
	node_id = COALESCE(NULLIF(?, ''), node_id),
	status = ?,
	resume_at = ?,
	attempts = ?,
	last_error = ?,
	revision = revision + 1,
	lease_owner = NULL,
	lease_expires_at = NULL,
	claim_id = NULL,
	updated_at = ?
WHERE
	id = ? AND
	revision = ? AND
	status NOT IN ('completed', 'failed', 'cancelled');`,
			t.NodeID,
			string(t.Status),
			sqlNullTime(t.ResumeAt),
			t.Attempts,
			sqlNullString(t.LastError),
			now.UTC(),
			t.EnrollmentID,
			t.ExpectedRevision,
		)
		if err != nil {
			return fmt.Errorf("updating enrollment: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n < 1 {
			return fmt.Errorf("%w: %s at revision %d", storage.ErrStaleEnrollment, t.EnrollmentID, t.ExpectedRevision)
		}
		return pruneAttempts(ctx, tx, t.EnrollmentID, t.ExpectedRevision)
	})
}

// pruneAttempts removes attempt records of id at or below revision.
// Revisions only increase so these can never match a claim again.
func pruneAttempts(ctx context.Context, tx *sql.Tx, id string, revision int64) error {
	_, err := tx.ExecContext(
		ctx,
		`DELETE FROM attempts WHERE enrollment_id = ? AND revision <= ?;`,
		id,
		revision,
	)
	if err != nil {
		return fmt.Errorf("pruning attempts: %w", err)
	}
	return nil
}

// RecordAttempt implements the storage interface method.
func (s *MySQLStorage) RecordAttempt(ctx context.Context, enrollmentID, nodeID string, revision int64) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT IGNORE INTO attempts (enrollment_id, node_id, revision) VALUES (?, ?, ?);`,
		enrollmentID,
		nodeID,
		revision,
	)
	if err != nil {
		return false, fmt.Errorf("inserting attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
