package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/event-cert-api/internal/models"
)

// EvaluationRepository handles persistence of block evaluations.
type EvaluationRepository struct {
	db *sqlx.DB
}

// NewEvaluationRepository constructs the repository.
func NewEvaluationRepository(db *sqlx.DB) *EvaluationRepository {
	return &EvaluationRepository{db: db}
}

const evaluationColumns = `id, block_id, title, kind, weight, max_grade, is_retake,
	replaces_evaluation_id, active, created_at, updated_at`

// Create persists a new evaluation.
func (r *EvaluationRepository) Create(ctx context.Context, evaluation *models.Evaluation) error {
	if evaluation.ID == "" {
		evaluation.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if evaluation.CreatedAt.IsZero() {
		evaluation.CreatedAt = now
	}
	evaluation.UpdatedAt = now
	const query = `INSERT INTO evaluations (id, block_id, title, kind, weight, max_grade, is_retake,
		replaces_evaluation_id, active, created_at, updated_at)
		VALUES (:id, :block_id, :title, :kind, :weight, :max_grade, :is_retake,
		:replaces_evaluation_id, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, evaluation); err != nil {
		return fmt.Errorf("create evaluation: %w", err)
	}
	return nil
}

// FindByID returns an evaluation by its ID.
func (r *EvaluationRepository) FindByID(ctx context.Context, id string) (*models.Evaluation, error) {
	query := fmt.Sprintf("SELECT %s FROM evaluations WHERE id = $1", evaluationColumns)
	var evaluation models.Evaluation
	if err := r.db.GetContext(ctx, &evaluation, query, id); err != nil {
		return nil, err
	}
	return &evaluation, nil
}

// ListByBlock returns evaluations for a block, optionally only active ones.
func (r *EvaluationRepository) ListByBlock(ctx context.Context, blockID string, activeOnly bool) ([]models.Evaluation, error) {
	query := fmt.Sprintf("SELECT %s FROM evaluations WHERE block_id = $1", evaluationColumns)
	if activeOnly {
		query += " AND active = TRUE"
	}
	query += " ORDER BY created_at"
	var evaluations []models.Evaluation
	if err := r.db.SelectContext(ctx, &evaluations, query, blockID); err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return evaluations, nil
}

// SumActiveWeights returns the sum of weights over active, non-retake
// evaluations in a block.
func (r *EvaluationRepository) SumActiveWeights(ctx context.Context, blockID string) (float64, error) {
	const query = `SELECT COALESCE(SUM(weight), 0) FROM evaluations
		WHERE block_id = $1 AND active = TRUE AND is_retake = FALSE`
	var sum float64
	if err := r.db.GetContext(ctx, &sum, query, blockID); err != nil {
		return 0, fmt.Errorf("sum evaluation weights: %w", err)
	}
	return sum, nil
}
