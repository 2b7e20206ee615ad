package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
)

// Outbox is the producer outbox view of a Store. It is a separate type
// because pipeline.Outbox and deadletter.Store both define Get.
type Outbox struct {
	s *Store
}

// Outbox returns the store's producer outbox.
func (s *Store) Outbox() *Outbox {
	return &Outbox{s: s}
}

// Put implements pipeline.Outbox.
func (o *Outbox) Put(ctx context.Context, rec pipeline.OutboxRecord) error {
	release, err := o.s.acquire()
	if err != nil {
		return err
	}
	defer release()

	if rec.ID == "" {
		return errors.New("outbox record has no id")
	}
	if rec.Status == "" {
		rec.Status = pipeline.StatusPending
	}
	return o.s.writeRecord(ctx, o.s.db, rec, true)
}

// Get implements pipeline.Outbox.
func (o *Outbox) Get(ctx context.Context, id string) (pipeline.OutboxRecord, error) {
	release, err := o.s.acquire()
	if err != nil {
		return pipeline.OutboxRecord{}, err
	}
	defer release()

	return o.s.loadRecord(ctx, o.s.db, id, "")
}

// Due implements pipeline.Outbox.
func (o *Outbox) Due(ctx context.Context, now time.Time, limit int) ([]pipeline.OutboxRecord, error) {
	release, err := o.s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	query := `SELECT record FROM outbox WHERE status = ? AND due_at <= ? ORDER BY due_at, id`
	args := []any{string(pipeline.StatusPending), toNanos(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := o.s.db.QueryContext(ctx, o.s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("load due outbox records: %w", err)
	}
	defer rows.Close()

	var out []pipeline.OutboxRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		var rec pipeline.OutboxRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode outbox record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox records: %w", err)
	}
	return out, nil
}

// MarkEmitted implements pipeline.Outbox.
func (o *Outbox) MarkEmitted(ctx context.Context, id, eventID string, at time.Time) error {
	return o.s.updateRecord(ctx, id, func(rec *pipeline.OutboxRecord) {
		rec.Status = pipeline.StatusEmitted
		rec.Attempts++
		rec.EventID = eventID
		rec.EmittedAt = at
		rec.LastError = ""
	})
}

// MarkFailed implements pipeline.Outbox.
func (o *Outbox) MarkFailed(ctx context.Context, id, reason string, retryAt time.Time) error {
	return o.s.updateRecord(ctx, id, func(rec *pipeline.OutboxRecord) {
		rec.Attempts++
		rec.LastError = reason
		if retryAt.IsZero() {
			rec.Status = pipeline.StatusFailed
		} else {
			rec.DueAt = retryAt
		}
	})
}

func (s *Store) updateRecord(ctx context.Context, id string, mutate func(*pipeline.OutboxRecord)) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.loadRecord(ctx, tx, id, s.dialect.forUpdate)
		if err != nil {
			return err
		}
		mutate(&rec)
		return s.writeRecord(ctx, tx, rec, false)
	})
}

// execQuerier is satisfied by *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadRecord(ctx context.Context, q execQuerier, id, lock string) (pipeline.OutboxRecord, error) {
	var data string
	err := q.QueryRowContext(ctx, s.q(`SELECT record FROM outbox WHERE id = ?`+lock), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.OutboxRecord{}, pipeline.ErrOutboxNotFound
	}
	if err != nil {
		return pipeline.OutboxRecord{}, fmt.Errorf("load outbox record: %w", err)
	}
	var rec pipeline.OutboxRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return pipeline.OutboxRecord{}, fmt.Errorf("decode outbox record: %w", err)
	}
	return rec, nil
}

func (s *Store) writeRecord(ctx context.Context, q execQuerier, rec pipeline.OutboxRecord, upsert bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode outbox record: %w", err)
	}
	query := `UPDATE outbox SET status = ?, due_at = ?, record = ? WHERE id = ?`
	args := []any{string(rec.Status), toNanos(rec.DueAt), string(data), rec.ID}
	if upsert {
		query = `
			INSERT INTO outbox (id, status, due_at, record) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				due_at = excluded.due_at,
				record = excluded.record`
		args = []any{rec.ID, string(rec.Status), toNanos(rec.DueAt), string(data)}
	}
	if _, err := q.ExecContext(ctx, s.q(query), args...); err != nil {
		return fmt.Errorf("write outbox record: %w", err)
	}
	return nil
}
