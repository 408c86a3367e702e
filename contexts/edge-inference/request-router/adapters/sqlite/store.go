package sqliteadapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	request_id      TEXT PRIMARY KEY,
	priority_rank   INTEGER NOT NULL,
	sequence        INTEGER NOT NULL,
	priority        TEXT NOT NULL,
	payload         BLOB NOT NULL,
	affinity        TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	replay_of       TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	deadline        INTEGER,
	effective_at    INTEGER NOT NULL,
	estimated_size  INTEGER NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	updated_at      INTEGER NOT NULL,
	enqueued_at     INTEGER NOT NULL,
	retry_at        INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS queue_entries_order ON queue_entries (priority_rank, sequence);
`

// Store is the edge-profile queue store: one sqlite file in WAL mode.
// Timestamps are stored as unix nanoseconds. It also supplies the system
// clock and uuid request ids for the edge profile.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migrate queue schema: %w", err)
	}
	// Files written before retry delays were persisted lack retry_at.
	hasRetryAt, err := s.hasRetryAtColumn(ctx)
	if err != nil {
		return err
	}
	if !hasRetryAt {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE queue_entries ADD COLUMN retry_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("sqlite: add retry_at column: %w", err)
		}
	}
	return nil
}

func (s *Store) hasRetryAtColumn(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('queue_entries') WHERE name = 'retry_at'`,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlite: inspect queue_entries: %w", err)
	}
	return count > 0, nil
}

func (s *Store) SaveEntry(ctx context.Context, entry entities.QueueEntry) error {
	req := entry.Request
	var deadline sql.NullInt64
	if req.HasDeadline() {
		deadline = sql.NullInt64{Int64: req.Deadline.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_entries (
	request_id, priority_rank, sequence, priority, payload, affinity,
	idempotency_key, replay_of, created_at, deadline, effective_at,
	estimated_size, attempt_count, last_error, state, updated_at, enqueued_at,
	retry_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
	priority_rank = excluded.priority_rank,
	sequence = excluded.sequence,
	effective_at = excluded.effective_at,
	attempt_count = excluded.attempt_count,
	last_error = excluded.last_error,
	state = excluded.state,
	updated_at = excluded.updated_at,
	enqueued_at = excluded.enqueued_at,
	retry_at = excluded.retry_at`,
		req.ID,
		entry.Key.Rank,
		int64(entry.Key.Sequence),
		string(req.Priority),
		req.Payload,
		req.Affinity,
		req.IdempotencyKey,
		req.ReplayOf,
		req.CreatedAt.UnixNano(),
		deadline,
		entry.Key.EffectiveAt.UnixNano(),
		req.EstimatedSize,
		req.AttemptCount,
		req.LastError,
		string(req.State),
		req.UpdatedAt.UnixNano(),
		entry.EnqueuedAt.UnixNano(),
		toUnixNano(entry.RetryAt),
	)
	if err != nil {
		if isConstraintError(err) {
			s.logger.Error("queue entry order collision",
				"event", "edge_router_queue_order_collision",
				"module", "edge-inference/request-router",
				"layer", "adapter",
				"request_id", req.ID,
			)
			return domainerrors.ErrRepositoryInvariantBroke
		}
		return fmt.Errorf("sqlite: save queue entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("sqlite: delete queue entry: %w", err)
	}
	return nil
}

func (s *Store) LoadEntries(ctx context.Context) ([]entities.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, priority_rank, sequence, priority, payload, affinity,
	idempotency_key, replay_of, created_at, deadline, effective_at,
	estimated_size, attempt_count, last_error, state, updated_at, enqueued_at,
	retry_at
FROM queue_entries
ORDER BY priority_rank ASC, effective_at ASC, sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load queue entries: %w", err)
	}
	defer rows.Close()

	var items []entities.QueueEntry
	for rows.Next() {
		var (
			entry                                              entities.QueueEntry
			sequence                                           int64
			priority, state                                    string
			createdAt, effectiveAt, updatedAt, queued, retryAt int64
			deadline                                           sql.NullInt64
		)
		req := &entry.Request
		if err := rows.Scan(
			&req.ID,
			&entry.Key.Rank,
			&sequence,
			&priority,
			&req.Payload,
			&req.Affinity,
			&req.IdempotencyKey,
			&req.ReplayOf,
			&createdAt,
			&deadline,
			&effectiveAt,
			&req.EstimatedSize,
			&req.AttemptCount,
			&req.LastError,
			&state,
			&updatedAt,
			&queued,
			&retryAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan queue entry: %w", err)
		}
		req.Priority = entities.Priority(priority)
		req.State = entities.RequestState(state)
		req.CreatedAt = fromUnixNano(createdAt)
		req.UpdatedAt = fromUnixNano(updatedAt)
		if deadline.Valid {
			req.Deadline = fromUnixNano(deadline.Int64)
		}
		entry.Key.Sequence = uint64(sequence)
		entry.Key.EffectiveAt = fromUnixNano(effectiveAt)
		entry.EnqueuedAt = fromUnixNano(queued)
		if retryAt != 0 {
			entry.RetryAt = fromUnixNano(retryAt)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate queue entries: %w", err)
	}
	return items, nil
}

func toUnixNano(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixNano()
}

func fromUnixNano(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes keep the base code in the low byte.
	const constraintBase = 19
	return sqliteErr.Code()&0xff == constraintBase
}
