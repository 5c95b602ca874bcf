package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/event-cert-api/internal/models"
)

// BlockRepository handles persistence of evaluable blocks.
type BlockRepository struct {
	db *sqlx.DB
}

// NewBlockRepository constructs the repository.
func NewBlockRepository(db *sqlx.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

const blockColumns = `id, event_id, title, status, grading_scheme, min_passing_grade, max_grade,
	min_attendance_percentage, retake_allowed, max_retake_attempts, capacity, price,
	requires_registration, custom_formula, enrollment_start_at, enrollment_end_at,
	delivery_start_at, delivery_end_at, created_at, updated_at`

// Create persists a new block.
func (r *BlockRepository) Create(ctx context.Context, block *models.EvaluableBlock) error {
	if block.ID == "" {
		block.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if block.CreatedAt.IsZero() {
		block.CreatedAt = now
	}
	block.UpdatedAt = now
	if block.Status == "" {
		block.Status = models.BlockStatusDraft
	}
	const query = `INSERT INTO evaluable_blocks (id, event_id, title, status, grading_scheme,
		min_passing_grade, max_grade, min_attendance_percentage, retake_allowed, max_retake_attempts,
		capacity, price, requires_registration, custom_formula, enrollment_start_at, enrollment_end_at,
		delivery_start_at, delivery_end_at, created_at, updated_at)
		VALUES (:id, :event_id, :title, :status, :grading_scheme, :min_passing_grade, :max_grade,
		:min_attendance_percentage, :retake_allowed, :max_retake_attempts, :capacity, :price,
		:requires_registration, :custom_formula, :enrollment_start_at, :enrollment_end_at,
		:delivery_start_at, :delivery_end_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, block); err != nil {
		return fmt.Errorf("create block: %w", err)
	}
	return nil
}

// FindByID returns a block by its ID.
func (r *BlockRepository) FindByID(ctx context.Context, id string) (*models.EvaluableBlock, error) {
	query := fmt.Sprintf("SELECT %s FROM evaluable_blocks WHERE id = $1", blockColumns)
	var block models.EvaluableBlock
	if err := r.db.GetContext(ctx, &block, query, id); err != nil {
		return nil, err
	}
	return &block, nil
}

// List returns blocks filtered by the provided criteria.
func (r *BlockRepository) List(ctx context.Context, filter models.BlockFilter) ([]models.EvaluableBlock, int, error) {
	base := "FROM evaluable_blocks b"
	var conditions []string
	var args []interface{}

	if filter.EventID != "" {
		conditions = append(conditions, fmt.Sprintf("b.event_id = $%d", len(args)+1))
		args = append(args, filter.EventID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("b.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":        "b.created_at",
		"title":             "b.title",
		"delivery_start_at": "b.delivery_start_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "b.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT b.* %s ORDER BY %s %s LIMIT %d OFFSET %d",
		base+clause, orderBy, order, size, offset)

	var blocks []models.EvaluableBlock
	if err := r.db.SelectContext(ctx, &blocks, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list blocks: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count blocks: %w", err)
	}
	return blocks, total, nil
}

// UpdateStatus moves a block to a new status, guarded by the expected current
// status. Returns false when the row was not in the expected state.
func (r *BlockRepository) UpdateStatus(ctx context.Context, id string, from, to models.BlockStatus) (bool, error) {
	const query = `UPDATE evaluable_blocks SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update block status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update block status: %w", err)
	}
	return affected > 0, nil
}
