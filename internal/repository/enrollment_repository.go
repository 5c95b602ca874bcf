package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/event-cert-api/internal/models"
)

// ErrStaleStatus is returned when a guarded status update matched no row,
// meaning the enrollment was not in the expected state.
var ErrStaleStatus = fmt.Errorf("enrollment not in expected status")

// EnrollmentRepository handles persistence of block enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `id, block_id, attendee_id, status, base_price, discount_amount, final_price,
	attendance_percentage, sessions_attended, final_grade, final_grade_after_retake,
	retake_attempts_used, passed, enrolled_at, graded_at, withdrawn_at, created_at, updated_at`

// Create persists a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.BlockEnrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = now
	const query = `INSERT INTO block_enrollments (id, block_id, attendee_id, status, base_price,
		discount_amount, final_price, attendance_percentage, sessions_attended, final_grade,
		final_grade_after_retake, retake_attempts_used, passed, enrolled_at, graded_at, withdrawn_at,
		created_at, updated_at)
		VALUES (:id, :block_id, :attendee_id, :status, :base_price, :discount_amount, :final_price,
		:attendance_percentage, :sessions_attended, :final_grade, :final_grade_after_retake,
		:retake_attempts_used, :passed, :enrolled_at, :graded_at, :withdrawn_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM block_enrollments WHERE id = $1", enrollmentColumns)
	var enrollment models.BlockEnrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindByBlockAndAttendee returns the enrollment for a (block, attendee) pair.
func (r *EnrollmentRepository) FindByBlockAndAttendee(ctx context.Context, blockID, attendeeID string) (*models.BlockEnrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM block_enrollments WHERE block_id = $1 AND attendee_id = $2", enrollmentColumns)
	var enrollment models.BlockEnrollment
	if err := r.db.GetContext(ctx, &enrollment, query, blockID, attendeeID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindActiveByAttendeeAndBlocks returns the attendee's first active-state
// enrollment among the given blocks, used to resolve session attendance.
func (r *EnrollmentRepository) FindActiveByAttendeeAndBlocks(ctx context.Context, attendeeID string, blockIDs []string, statuses []models.EnrollmentStatus) (*models.BlockEnrollment, error) {
	if len(blockIDs) == 0 {
		return nil, sql.ErrNoRows
	}
	query, args, err := sqlx.In(fmt.Sprintf(
		"SELECT %s FROM block_enrollments WHERE attendee_id = ? AND block_id IN (?) AND status IN (?) LIMIT 1",
		enrollmentColumns), attendeeID, blockIDs, statuses)
	if err != nil {
		return nil, fmt.Errorf("build enrollment lookup: %w", err)
	}
	query = r.db.Rebind(query)
	var enrollment models.BlockEnrollment
	if err := r.db.GetContext(ctx, &enrollment, query, args...); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ExistsActive checks if the attendee already holds a live enrollment in the block.
func (r *EnrollmentRepository) ExistsActive(ctx context.Context, blockID, attendeeID string) (bool, error) {
	const query = `SELECT 1 FROM block_enrollments WHERE block_id = $1 AND attendee_id = $2
		AND status IN ($3, $4, $5) LIMIT 1`
	var exists int
	err := r.db.GetContext(ctx, &exists, query, blockID, attendeeID,
		models.EnrollmentStatusPending, models.EnrollmentStatusEnrolled, models.EnrollmentStatusInProgress)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return true, nil
}

// CountByStatus counts enrollments in a block with the given status.
func (r *EnrollmentRepository) CountByStatus(ctx context.Context, blockID string, status models.EnrollmentStatus) (int, error) {
	const query = `SELECT COUNT(*) FROM block_enrollments WHERE block_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, blockID, status); err != nil {
		return 0, fmt.Errorf("count enrollments: %w", err)
	}
	return count, nil
}

// ListByBlock returns every enrollment in a block, optionally filtered by status.
func (r *EnrollmentRepository) ListByBlock(ctx context.Context, blockID string, status models.EnrollmentStatus) ([]models.BlockEnrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM block_enrollments WHERE block_id = $1", enrollmentColumns)
	args := []interface{}{blockID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}
	var enrollments []models.BlockEnrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, fmt.Errorf("list block enrollments: %w", err)
	}
	return enrollments, nil
}

// UpdateStatus transitions an enrollment from an expected status, setting the
// relevant timestamp. Returns ErrStaleStatus when no row matched.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, from, to models.EnrollmentStatus, enrolledAt, withdrawnAt *time.Time) error {
	const query = `UPDATE block_enrollments
		SET status = $3,
		    enrolled_at = COALESCE($4, enrolled_at),
		    withdrawn_at = COALESCE($5, withdrawn_at),
		    updated_at = $6
		WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, from, to, enrolledAt, withdrawnAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	if affected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// BulkUpdateStatus transitions every enrollment in a block from one status to
// another and returns the number of rows moved.
func (r *EnrollmentRepository) BulkUpdateStatus(ctx context.Context, blockID string, from, to models.EnrollmentStatus) (int, error) {
	const query = `UPDATE block_enrollments SET status = $3, updated_at = $4 WHERE block_id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, blockID, from, to, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("bulk update enrollment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk update enrollment status: %w", err)
	}
	return int(affected), nil
}

// UpdateAttendanceDerived writes the attendance-derived fields only. Grade
// fields are never touched here so concurrent grade recalculations cannot be
// clobbered.
func (r *EnrollmentRepository) UpdateAttendanceDerived(ctx context.Context, id string, percentage float64, sessionsAttended int) error {
	const query = `UPDATE block_enrollments
		SET attendance_percentage = $2, sessions_attended = $3, updated_at = $4
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, percentage, sessionsAttended, time.Now().UTC()); err != nil {
		return fmt.Errorf("update attendance derived fields: %w", err)
	}
	return nil
}

// UpdateGradeDerived writes the grade-derived fields only.
func (r *EnrollmentRepository) UpdateGradeDerived(ctx context.Context, id string, finalGrade, finalGradeAfterRetake *float64, retakeAttemptsUsed int) error {
	const query = `UPDATE block_enrollments
		SET final_grade = $2, final_grade_after_retake = $3, retake_attempts_used = $4,
		    graded_at = $5, updated_at = $5
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, finalGrade, finalGradeAfterRetake, retakeAttemptsUsed, time.Now().UTC()); err != nil {
		return fmt.Errorf("update grade derived fields: %w", err)
	}
	return nil
}

// FinalizeWithSnapshot runs the finalization decision against a row-locked
// snapshot of the enrollment so the attendance and grade fields are read at
// one commit boundary. The decide callback returns the terminal status, the
// passed flag and the effective final grade.
func (r *EnrollmentRepository) FinalizeWithSnapshot(ctx context.Context, id string, decide func(models.BlockEnrollment) (models.EnrollmentStatus, bool, *float64, error)) (*models.BlockEnrollment, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := fmt.Sprintf("SELECT %s FROM block_enrollments WHERE id = $1 FOR UPDATE", enrollmentColumns)
	var enrollment models.BlockEnrollment
	if err := tx.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}

	status, passed, finalGrade, err := decide(enrollment)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	const update = `UPDATE block_enrollments
		SET status = $2, passed = $3, final_grade = COALESCE($4, final_grade), graded_at = $5, updated_at = $5
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, id, status, passed, finalGrade, now); err != nil {
		return nil, fmt.Errorf("finalize enrollment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize tx: %w", err)
	}

	enrollment.Status = status
	enrollment.Passed = &passed
	if finalGrade != nil {
		enrollment.FinalGrade = finalGrade
	}
	enrollment.GradedAt = &now
	enrollment.UpdatedAt = now
	return &enrollment, nil
}
