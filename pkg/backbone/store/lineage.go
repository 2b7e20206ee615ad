package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/randalmurphal/backbone/pkg/backbone/lineage"
)

// AppendEdge implements lineage.EdgeStore.
func (s *Store) AppendEdge(ctx context.Context, e lineage.Edge) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO lineage_edges (child_id, parent_id, correlation_id, relation, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (child_id) DO NOTHING
	`), e.ChildID, e.ParentID, e.CorrelationID, string(e.Relation), toNanos(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append lineage edge: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("append lineage edge: %w", err)
	}
	if n == 0 {
		return lineage.ErrDuplicateEdge
	}
	return nil
}

// LookupEdge implements lineage.EdgeStore.
func (s *Store) LookupEdge(ctx context.Context, eventID string) (lineage.Edge, bool, error) {
	release, err := s.acquire()
	if err != nil {
		return lineage.Edge{}, false, err
	}
	defer release()

	e, err := scanEdge(s.db.QueryRowContext(ctx, s.q(`
		SELECT child_id, parent_id, correlation_id, relation, created_at
		FROM lineage_edges WHERE child_id = ?
	`), eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return lineage.Edge{}, false, nil
	}
	if err != nil {
		return lineage.Edge{}, false, fmt.Errorf("lookup lineage edge: %w", err)
	}
	return e, true, nil
}

// DeleteEdge implements lineage.EdgeStore.
func (s *Store) DeleteEdge(ctx context.Context, eventID string) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM lineage_edges WHERE child_id = ?`), eventID); err != nil {
		return fmt.Errorf("delete lineage edge: %w", err)
	}
	return nil
}

// Chain implements lineage.EdgeStore.
func (s *Store) Chain(ctx context.Context, correlationID string) ([]lineage.Edge, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT child_id, parent_id, correlation_id, relation, created_at
		FROM lineage_edges
		WHERE correlation_id = ?
		ORDER BY seq
	`), correlationID)
	if err != nil {
		return nil, fmt.Errorf("load lineage chain: %w", err)
	}
	defer rows.Close()

	out := []lineage.Edge{}
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lineage edge: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage chain: %w", err)
	}
	return out, nil
}

func scanEdge(row scanner) (lineage.Edge, error) {
	var (
		e        lineage.Edge
		relation string
		created  int64
	)
	if err := row.Scan(&e.ChildID, &e.ParentID, &e.CorrelationID, &relation, &created); err != nil {
		return lineage.Edge{}, err
	}
	e.Relation = lineage.Relation(relation)
	e.CreatedAt = fromNanos(created)
	return e, nil
}
