package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/event"
)

// Append implements pipeline.Journal. The batch is written in one
// transaction; ids already journaled are skipped.
func (s *Store) Append(ctx context.Context, envs []*event.Envelope) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if len(envs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.q(`
			INSERT INTO ingest_journal (id, envelope) VALUES (?, ?)
			ON CONFLICT (id) DO NOTHING
		`))
		if err != nil {
			return fmt.Errorf("prepare journal append: %w", err)
		}
		defer stmt.Close()

		for _, env := range envs {
			data, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("encode journal envelope %s: %w", env.ID(), err)
			}
			if _, err := stmt.ExecContext(ctx, env.ID(), string(data)); err != nil {
				return fmt.Errorf("append journal envelope %s: %w", env.ID(), err)
			}
		}
		return nil
	})
}

// MarkDelivered implements pipeline.Journal. Unknown ids are ignored.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, s.q(`
		UPDATE ingest_journal SET delivered_at = ?
		WHERE id = ? AND delivered_at = 0
	`), max(toNanos(at), 1), id)
	if err != nil {
		return fmt.Errorf("mark journal delivered: %w", err)
	}
	return nil
}

// Pending implements pipeline.Journal.
func (s *Store) Pending(ctx context.Context, limit int) ([]*event.Envelope, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	query := `SELECT envelope FROM ingest_journal WHERE delivered_at = 0 ORDER BY seq`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("load pending journal: %w", err)
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan journal envelope: %w", err)
		}
		env := new(event.Envelope)
		if err := json.Unmarshal([]byte(data), env); err != nil {
			return nil, fmt.Errorf("decode journal envelope: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending journal: %w", err)
	}
	return out, nil
}
