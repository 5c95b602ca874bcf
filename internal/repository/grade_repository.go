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

// GradeRepository handles persistence of participant grades.
type GradeRepository struct {
	db *sqlx.DB
}

// NewGradeRepository constructs the repository.
func NewGradeRepository(db *sqlx.DB) *GradeRepository {
	return &GradeRepository{db: db}
}

const gradeColumns = `id, enrollment_id, evaluation_id, raw_grade, normalized_grade, status,
	is_retake_grade, attempt_number, graded_by, comments, created_at, updated_at`

// Upsert inserts or updates a grade keyed by (enrollment, evaluation,
// is_retake_grade). A conflicting write bumps the attempt counter.
func (r *GradeRepository) Upsert(ctx context.Context, grade *models.ParticipantGrade) error {
	if grade.ID == "" {
		grade.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if grade.CreatedAt.IsZero() {
		grade.CreatedAt = now
	}
	grade.UpdatedAt = now
	if grade.AttemptNumber <= 0 {
		grade.AttemptNumber = 1
	}
	const query = `INSERT INTO participant_grades (id, enrollment_id, evaluation_id, raw_grade,
		normalized_grade, status, is_retake_grade, attempt_number, graded_by, comments, created_at, updated_at)
		VALUES (:id, :enrollment_id, :evaluation_id, :raw_grade, :normalized_grade, :status,
		:is_retake_grade, :attempt_number, :graded_by, :comments, :created_at, :updated_at)
		ON CONFLICT (enrollment_id, evaluation_id, is_retake_grade) DO UPDATE
		SET raw_grade = EXCLUDED.raw_grade,
		    normalized_grade = EXCLUDED.normalized_grade,
		    status = EXCLUDED.status,
		    graded_by = EXCLUDED.graded_by,
		    comments = EXCLUDED.comments,
		    attempt_number = participant_grades.attempt_number + 1,
		    updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, grade); err != nil {
		return fmt.Errorf("upsert grade: %w", err)
	}
	return nil
}

// List returns grades matching the filter.
func (r *GradeRepository) List(ctx context.Context, filter models.GradeFilter) ([]models.ParticipantGrade, error) {
	query := fmt.Sprintf("SELECT %s FROM participant_grades", gradeColumns)
	var conditions []string
	var args []interface{}

	if filter.EnrollmentID != "" {
		conditions = append(conditions, fmt.Sprintf("enrollment_id = $%d", len(args)+1))
		args = append(args, filter.EnrollmentID)
	}
	if filter.EvaluationID != "" {
		conditions = append(conditions, fmt.Sprintf("evaluation_id = $%d", len(args)+1))
		args = append(args, filter.EvaluationID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.IsRetake != nil {
		conditions = append(conditions, fmt.Sprintf("is_retake_grade = $%d", len(args)+1))
		args = append(args, *filter.IsRetake)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at"

	var grades []models.ParticipantGrade
	if err := r.db.SelectContext(ctx, &grades, query, args...); err != nil {
		return nil, fmt.Errorf("list grades: %w", err)
	}
	return grades, nil
}

// ListByEnrollment returns all grades for one enrollment.
func (r *GradeRepository) ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.ParticipantGrade, error) {
	return r.List(ctx, models.GradeFilter{EnrollmentID: enrollmentID})
}

// Publish bulk-transitions DRAFT grades to PUBLISHED for a block, optionally
// restricted to one evaluation, and returns the affected enrollment IDs.
func (r *GradeRepository) Publish(ctx context.Context, blockID string, evaluationID string) ([]string, error) {
	query := `UPDATE participant_grades pg
		SET status = $1, updated_at = $2
		FROM evaluations e
		WHERE e.id = pg.evaluation_id AND e.block_id = $3 AND pg.status = $4`
	args := []interface{}{models.GradeStatusPublished, time.Now().UTC(), blockID, models.GradeStatusDraft}
	if evaluationID != "" {
		query += " AND pg.evaluation_id = $5"
		args = append(args, evaluationID)
	}
	query += " RETURNING pg.enrollment_id"

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("publish grades: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var enrollmentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan published enrollment id: %w", err)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			enrollmentIDs = append(enrollmentIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("publish grades: %w", err)
	}
	return enrollmentIDs, nil
}
