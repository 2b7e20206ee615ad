package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/audit"
)

// Write implements audit.Sink.
func (s *Store) Write(ctx context.Context, r audit.Record) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit_records (kind, at, event_id, record) VALUES (?, ?, ?, ?)
	`), string(r.Kind), toNanos(r.At), r.EventID, string(data))
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// AuditRecords returns stored audit records in write order. An empty kind
// matches every kind; a limit of 0 means no limit.
func (s *Store) AuditRecords(ctx context.Context, kind audit.Kind, limit int) ([]audit.Record, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	query := `SELECT record FROM audit_records`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		var r audit.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}
