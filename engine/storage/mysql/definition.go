package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/micromdm/nanoflow/engine/storage"
	"github.com/micromdm/nanoflow/graph"
)

func scanDefinition(row scanner) (*graph.Definition, error) {
	var (
		version int
		status  string
		body    []byte
		created sql.NullTime
	)
	if err := row.Scan(&version, &status, &body, &created); err != nil {
		return nil, err
	}
	d := new(graph.Definition)
	if err := json.Unmarshal(body, d); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	d.Version = version
	d.Status = graph.Status(status)
	d.CreatedAt = created.Time
	return d, nil
}

// StoreDefinition implements the storage interface method.
func (s *MySQLStorage) StoreDefinition(ctx context.Context, d *graph.Definition) (int, error) {
	if d == nil || d.ID == "" {
		return 0, storage.ErrMissingWorkflowID
	}
	stored := *d
	stored.Version = 0
	stored.Status = ""
	body, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("marshal definition: %w", err)
	}

	var version int
	err = tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(
			ctx,
			`SELECT version, status FROM definitions WHERE workflow_id = ? ORDER BY version DESC LIMIT 1 FOR UPDATE;`,
			d.ID,
		).Scan(&version, &status)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("selecting latest version: %w", err)
		}
		if err == nil && graph.Status(status) == graph.StatusDraft {
			_, err = tx.ExecContext(
				ctx,
				`UPDATE definitions SET body = ?, created_at = CURRENT_TIMESTAMP(6) WHERE workflow_id = ? AND version = ?;`,
				body, d.ID, version,
			)
			return err
		}
		version++
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO definitions (workflow_id, version, status, body) VALUES (?, ?, ?, ?);`,
			d.ID, version, string(graph.StatusDraft), body,
		)
		return err
	})
	return version, err
}

// RetrieveDefinition implements the storage interface method.
func (s *MySQLStorage) RetrieveDefinition(ctx context.Context, id string, version int) (*graph.Definition, error) {
	var row *sql.Row
	if version < 1 {
		row = s.db.QueryRowContext(
			ctx,
			`SELECT version, status, body, created_at FROM definitions WHERE workflow_id = ? ORDER BY version DESC LIMIT 1;`,
			id,
		)
	} else {
		row = s.db.QueryRowContext(
			ctx,
			`SELECT version, status, body, created_at FROM definitions WHERE workflow_id = ? AND version = ?;`,
			id, version,
		)
	}
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrDefinitionNotFound, graph.VersionKey(id, version))
	}
	return d, err
}

// RetrieveActiveDefinition implements the storage interface method.
func (s *MySQLStorage) RetrieveActiveDefinition(ctx context.Context, id string) (*graph.Definition, error) {
	d, err := scanDefinition(s.db.QueryRowContext(
		ctx,
		`
SELECT version, status, body, created_at FROM definitions
WHERE workflow_id = ? AND status IN ('active', 'paused')
ORDER BY version DESC LIMIT 1;`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active version of %s", storage.ErrDefinitionNotFound, id)
	}
	return d, err
}

// UpdateDefinitionStatus implements the storage interface method.
func (s *MySQLStorage) UpdateDefinitionStatus(ctx context.Context, id string, version int, status graph.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", storage.ErrInvalidStatus, status)
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(
			ctx,
			`SELECT status FROM definitions WHERE workflow_id = ? AND version = ? FOR UPDATE;`,
			id, version,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrDefinitionNotFound, graph.VersionKey(id, version))
		} else if err != nil {
			return fmt.Errorf("selecting status: %w", err)
		}
		if status == graph.StatusDraft && graph.Status(current) != graph.StatusDraft {
			return fmt.Errorf("%w: %s cannot return to draft", storage.ErrInvalidStatus, current)
		}
		if status == graph.StatusActive || status == graph.StatusPaused {
			_, err = tx.ExecContext(
				ctx,
				`
UPDATE definitions SET status = 'archived'
WHERE workflow_id = ? AND version <> ? AND status IN ('active', 'paused');`,
				id, version,
			)
			if err != nil {
				return fmt.Errorf("archiving previous versions: %w", err)
			}
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE definitions SET status = ? WHERE workflow_id = ? AND version = ?;`,
			string(status), id, version,
		)
		return err
	})
}

// RetrieveDefinitionIDs implements the storage interface method.
func (s *MySQLStorage) RetrieveDefinitionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workflow_id FROM definitions ORDER BY workflow_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
