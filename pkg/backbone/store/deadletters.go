package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/backbone/pkg/backbone/deadletter"
	bberrors "github.com/randalmurphal/backbone/pkg/backbone/errors"
	"github.com/randalmurphal/backbone/pkg/backbone/event"
)

const deadLetterColumns = `envelope, error_class, attempts, first_seen_at, last_seen_at,
	queue_name, replayed_at, replay_event_id`

// Enqueue implements deadletter.Store.
func (s *Store) Enqueue(ctx context.Context, e deadletter.Entry) (bool, error) {
	release, err := s.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	if e.Envelope == nil {
		return false, errors.New("enqueue dead letter: entry has no envelope")
	}
	envJSON, err := json.Marshal(e.Envelope)
	if err != nil {
		return false, fmt.Errorf("encode envelope: %w", err)
	}
	classJSON, err := json.Marshal(e.Class)
	if err != nil {
		return false, fmt.Errorf("encode error class: %w", err)
	}

	var created bool
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO dead_letters (id, queue_name, error_class, class, envelope,
				attempts, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`), e.ID(), e.QueueName, string(classJSON), classOf(e.Class), string(envJSON),
			e.Attempts, toNanos(e.FirstSeenAt), toNanos(e.LastSeenAt))
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		if n == 1 {
			created = true
			return nil
		}

		// The event is already dead-lettered: merge under a row lock.
		existing, err := scanEntry(tx.QueryRowContext(ctx, s.q(`
			SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`+s.dialect.forUpdate),
			e.ID()))
		if err != nil {
			return err
		}
		merged := existing.Merge(e)
		mergedClass, err := json.Marshal(merged.Class)
		if err != nil {
			return fmt.Errorf("encode error class: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE dead_letters
			SET attempts = ?, last_seen_at = ?, error_class = ?, class = ?, queue_name = ?
			WHERE id = ?
		`), merged.Attempts, toNanos(merged.LastSeenAt), string(mergedClass),
			classOf(merged.Class), merged.QueueName, e.ID())
		if err != nil {
			return fmt.Errorf("merge dead letter: %w", err)
		}
		return nil
	})
	return created, err
}

// Get implements deadletter.Store.
func (s *Store) Get(ctx context.Context, id string) (deadletter.Entry, error) {
	release, err := s.acquire()
	if err != nil {
		return deadletter.Entry{}, err
	}
	defer release()

	return scanEntry(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`), id))
}

// List implements deadletter.Store.
func (s *Store) List(ctx context.Context, f deadletter.Filter) ([]deadletter.Entry, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		where []string
		args  []any
	)
	if f.QueueName != "" {
		where = append(where, "queue_name = ?")
		args = append(args, f.QueueName)
	}
	if f.Class != "" {
		where = append(where, "class = ?")
		args = append(args, string(f.Class))
	}
	if !f.IncludeReplayed {
		where = append(where, "replayed_at = 0")
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY first_seen_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryEntries(ctx, query, args...)
}

// OlderThan implements deadletter.Store.
func (s *Store) OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]deadletter.Entry, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters
		WHERE replayed_at = 0 AND first_seen_at < ?
		ORDER BY first_seen_at, id`
	args := []any{toNanos(cutoff)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEntries(ctx, query, args...)
}

// Stats implements deadletter.Store.
func (s *Store) Stats(ctx context.Context, now time.Time) (deadletter.Stats, error) {
	release, err := s.acquire()
	if err != nil {
		return deadletter.Stats{}, err
	}
	defer release()

	st := deadletter.Stats{ByClass: make(map[bberrors.Class]int)}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&st.Total); err != nil {
		return deadletter.Stats{}, fmt.Errorf("count dead letters: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT class, COUNT(*), MIN(first_seen_at)
		FROM dead_letters
		WHERE replayed_at = 0
		GROUP BY class
	`)
	if err != nil {
		return deadletter.Stats{}, fmt.Errorf("dead letter backlog: %w", err)
	}
	defer rows.Close()

	var oldest int64
	for rows.Next() {
		var (
			class string
			count int
			first int64
		)
		if err := rows.Scan(&class, &count, &first); err != nil {
			return deadletter.Stats{}, fmt.Errorf("scan dead letter backlog: %w", err)
		}
		st.Depth += count
		if class != "" {
			st.ByClass[bberrors.Class(class)] += count
		}
		if oldest == 0 || first < oldest {
			oldest = first
		}
	}
	if err := rows.Err(); err != nil {
		return deadletter.Stats{}, fmt.Errorf("iterate dead letter backlog: %w", err)
	}

	if st.Depth > 0 {
		st.OldestAt = fromNanos(oldest)
		st.OldestAge = now.Sub(st.OldestAt)
	}
	return st, nil
}

// MarkReplayed implements deadletter.Store. The update only applies to an
// unreplayed row, so two concurrent replays cannot both succeed.
func (s *Store) MarkReplayed(ctx context.Context, id, replayEventID string, at time.Time) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE dead_letters SET replayed_at = ?, replay_event_id = ?
		WHERE id = ? AND replayed_at = 0
	`), toNanos(at), replayEventID, id)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM dead_letters WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return deadletter.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load dead letter: %w", err)
	}
	return deadletter.ErrAlreadyReplayed
}

// ClearReplayed implements deadletter.Store.
func (s *Store) ClearReplayed(ctx context.Context, id, replayEventID string) (bool, error) {
	release, err := s.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE dead_letters SET replayed_at = 0, replay_event_id = ''
		WHERE id = ? AND replayed_at <> 0 AND replay_event_id = ?
	`), id, replayEventID)
	if err != nil {
		return false, fmt.Errorf("clear dead letter replay: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("clear dead letter replay: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM dead_letters WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, deadletter.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load dead letter: %w", err)
	}
	return false, nil
}

// Delete implements deadletter.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dead_letters WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n == 0 {
		return deadletter.ErrNotFound
	}
	return nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]deadletter.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []deadletter.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (deadletter.Entry, error) {
	var (
		envJSON, classJSON    string
		first, last, replayed int64
		e                     deadletter.Entry
	)
	err := row.Scan(&envJSON, &classJSON, &e.Attempts, &first, &last,
		&e.QueueName, &replayed, &e.ReplayEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return deadletter.Entry{}, deadletter.ErrNotFound
	}
	if err != nil {
		return deadletter.Entry{}, fmt.Errorf("scan dead letter: %w", err)
	}

	var env event.Envelope
	if err := json.Unmarshal([]byte(envJSON), &env); err != nil {
		return deadletter.Entry{}, fmt.Errorf("decode dead letter envelope: %w", err)
	}
	e.Envelope = &env
	if classJSON != "" && classJSON != "null" {
		var ec bberrors.ErrorClass
		if err := json.Unmarshal([]byte(classJSON), &ec); err != nil {
			return deadletter.Entry{}, fmt.Errorf("decode dead letter class: %w", err)
		}
		e.Class = &ec
	}
	e.FirstSeenAt = fromNanos(first)
	e.LastSeenAt = fromNanos(last)
	e.ReplayedAt = fromNanos(replayed)
	return e, nil
}

func classOf(ec *bberrors.ErrorClass) string {
	if ec == nil {
		return ""
	}
	return string(ec.Class)
}
