package postgresadapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const queueEntriesConstraint = "edge_queue_entries_unique_order"

// Repository is the server-profile queue store.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the queue table when it does not exist yet.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&queueEntryModel{})
}

// SaveEntry upserts one entry by request id. A second request claiming the
// same (priority, sequence) is a repository invariant violation.
func (r *Repository) SaveEntry(ctx context.Context, entry entities.QueueEntry) error {
	row := queueEntryModelFromEntity(entry)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "request_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"priority_rank",
				"sequence",
				"effective_at",
				"attempt_count",
				"last_error",
				"state",
				"updated_at",
				"enqueued_at",
				"retry_at",
			}),
		}).
		Create(&row).
		Error
	if err != nil {
		if isUniqueViolation(err) {
			r.logger.Error("queue entry order collision",
				"event", "edge_router_queue_order_collision",
				"module", "edge-inference/request-router",
				"layer", "adapter",
				"request_id", entry.Request.ID,
				"constraint", constraintName(err),
			)
			return domainerrors.ErrRepositoryInvariantBroke
		}
		return err
	}
	return nil
}

func (r *Repository) DeleteEntry(ctx context.Context, requestID string) error {
	return r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Delete(&queueEntryModel{}).
		Error
}

func (r *Repository) LoadEntries(ctx context.Context) ([]entities.QueueEntry, error) {
	var rows []queueEntryModel
	if err := r.db.WithContext(ctx).
		Order("priority_rank ASC").
		Order("effective_at ASC").
		Order("sequence ASC").
		Find(&rows).
		Error; err != nil {
		return nil, err
	}
	items := make([]entities.QueueEntry, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items, nil
}

type queueEntryModel struct {
	RequestID      string     `gorm:"column:request_id;primaryKey"`
	PriorityRank   int        `gorm:"column:priority_rank;uniqueIndex:edge_queue_entries_unique_order"`
	Sequence       uint64     `gorm:"column:sequence;uniqueIndex:edge_queue_entries_unique_order"`
	Priority       string     `gorm:"column:priority"`
	Payload        []byte     `gorm:"column:payload"`
	Affinity       string     `gorm:"column:affinity"`
	IdempotencyKey string     `gorm:"column:idempotency_key"`
	ReplayOf       string     `gorm:"column:replay_of"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime:false"`
	Deadline       *time.Time `gorm:"column:deadline"`
	EffectiveAt    time.Time  `gorm:"column:effective_at"`
	EstimatedSize  int64      `gorm:"column:estimated_size"`
	AttemptCount   int        `gorm:"column:attempt_count"`
	LastError      string     `gorm:"column:last_error"`
	State          string     `gorm:"column:state"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
	EnqueuedAt     time.Time  `gorm:"column:enqueued_at"`
	RetryAt        *time.Time `gorm:"column:retry_at"`
}

func (queueEntryModel) TableName() string {
	return "edge_queue_entries"
}

func queueEntryModelFromEntity(entry entities.QueueEntry) queueEntryModel {
	req := entry.Request
	row := queueEntryModel{
		RequestID:      req.ID,
		PriorityRank:   entry.Key.Rank,
		Sequence:       entry.Key.Sequence,
		Priority:       string(req.Priority),
		Payload:        req.Payload,
		Affinity:       req.Affinity,
		IdempotencyKey: req.IdempotencyKey,
		ReplayOf:       req.ReplayOf,
		CreatedAt:      req.CreatedAt.UTC(),
		EffectiveAt:    entry.Key.EffectiveAt.UTC(),
		EstimatedSize:  req.EstimatedSize,
		AttemptCount:   req.AttemptCount,
		LastError:      req.LastError,
		State:          string(req.State),
		UpdatedAt:      req.UpdatedAt.UTC(),
		EnqueuedAt:     entry.EnqueuedAt.UTC(),
	}
	if req.HasDeadline() {
		deadline := req.Deadline.UTC()
		row.Deadline = &deadline
	}
	if !entry.RetryAt.IsZero() {
		retryAt := entry.RetryAt.UTC()
		row.RetryAt = &retryAt
	}
	return row
}

func (m queueEntryModel) toEntity() entities.QueueEntry {
	req := entities.Request{
		ID:             m.RequestID,
		Payload:        m.Payload,
		Priority:       entities.Priority(m.Priority),
		Affinity:       m.Affinity,
		IdempotencyKey: m.IdempotencyKey,
		ReplayOf:       m.ReplayOf,
		CreatedAt:      m.CreatedAt.UTC(),
		EstimatedSize:  m.EstimatedSize,
		AttemptCount:   m.AttemptCount,
		LastError:      m.LastError,
		State:          entities.RequestState(m.State),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
	if m.Deadline != nil {
		req.Deadline = m.Deadline.UTC()
	}
	entry := entities.QueueEntry{
		Request: req,
		Key: entities.OrderingKey{
			Rank:        m.PriorityRank,
			EffectiveAt: m.EffectiveAt.UTC(),
			Sequence:    m.Sequence,
		},
		EnqueuedAt: m.EnqueuedAt.UTC(),
	}
	if m.RetryAt != nil {
		entry.RetryAt = m.RetryAt.UTC()
	}
	return entry
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return queueEntriesConstraint
}
