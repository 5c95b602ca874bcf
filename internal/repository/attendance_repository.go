package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/event-cert-api/internal/models"
)

// AttendanceRepository handles persistence of session attendance facts.
// Rows are only ever inserted or updated, never deleted.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

const attendanceColumns = `id, session_id, attendee_id, enrollment_id, status, modality,
	check_in_at, check_out_at, minutes_attended, connections, current_token, excuse_reason,
	created_at, updated_at`

// Upsert inserts or updates the attendance row keyed by (session, attendee).
func (r *AttendanceRepository) Upsert(ctx context.Context, attendance *models.SessionAttendance) error {
	if attendance.ID == "" {
		attendance.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if attendance.CreatedAt.IsZero() {
		attendance.CreatedAt = now
	}
	attendance.UpdatedAt = now
	if attendance.Connections == nil {
		attendance.Connections = models.ConnectionList{}
	}
	const query = `INSERT INTO session_attendances (id, session_id, attendee_id, enrollment_id, status,
		modality, check_in_at, check_out_at, minutes_attended, connections, current_token, excuse_reason,
		created_at, updated_at)
		VALUES (:id, :session_id, :attendee_id, :enrollment_id, :status, :modality, :check_in_at,
		:check_out_at, :minutes_attended, :connections, :current_token, :excuse_reason, :created_at, :updated_at)
		ON CONFLICT (session_id, attendee_id) DO UPDATE
		SET enrollment_id = COALESCE(EXCLUDED.enrollment_id, session_attendances.enrollment_id),
		    status = EXCLUDED.status,
		    modality = COALESCE(EXCLUDED.modality, session_attendances.modality),
		    check_in_at = COALESCE(EXCLUDED.check_in_at, session_attendances.check_in_at),
		    check_out_at = COALESCE(EXCLUDED.check_out_at, session_attendances.check_out_at),
		    minutes_attended = EXCLUDED.minutes_attended,
		    connections = EXCLUDED.connections,
		    excuse_reason = COALESCE(EXCLUDED.excuse_reason, session_attendances.excuse_reason),
		    updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, attendance); err != nil {
		return fmt.Errorf("upsert attendance: %w", err)
	}
	return nil
}

// FindBySessionAndAttendee returns the attendance row for a pair.
func (r *AttendanceRepository) FindBySessionAndAttendee(ctx context.Context, sessionID, attendeeID string) (*models.SessionAttendance, error) {
	query := fmt.Sprintf("SELECT %s FROM session_attendances WHERE session_id = $1 AND attendee_id = $2", attendanceColumns)
	var attendance models.SessionAttendance
	if err := r.db.GetContext(ctx, &attendance, query, sessionID, attendeeID); err != nil {
		return nil, err
	}
	return &attendance, nil
}

// ListForEnrollment returns the attendance rows of an attendee across the
// sessions belonging to a block.
func (r *AttendanceRepository) ListForEnrollment(ctx context.Context, blockID, attendeeID string) ([]models.SessionAttendance, error) {
	query := fmt.Sprintf(`SELECT sa.%s FROM session_attendances sa
		JOIN block_sessions bs ON bs.session_id = sa.session_id
		WHERE bs.block_id = $1 AND sa.attendee_id = $2`,
		"id, sa.session_id, sa.attendee_id, sa.enrollment_id, sa.status, sa.modality, sa.check_in_at, sa.check_out_at, sa.minutes_attended, sa.connections, sa.current_token, sa.excuse_reason, sa.created_at, sa.updated_at")
	var rows []models.SessionAttendance
	if err := r.db.SelectContext(ctx, &rows, query, blockID, attendeeID); err != nil {
		return nil, fmt.Errorf("list enrollment attendance: %w", err)
	}
	return rows, nil
}

// UpdateToken overwrites the stored current streaming token for the pair,
// creating the attendance row when it does not exist yet.
func (r *AttendanceRepository) UpdateToken(ctx context.Context, sessionID, attendeeID, token string, enrollmentID *string) error {
	now := time.Now().UTC()
	const query = `INSERT INTO session_attendances (id, session_id, attendee_id, enrollment_id, status,
		minutes_attended, connections, current_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '[]', $6, $7, $7)
		ON CONFLICT (session_id, attendee_id) DO UPDATE
		SET current_token = EXCLUDED.current_token,
		    enrollment_id = COALESCE(session_attendances.enrollment_id, EXCLUDED.enrollment_id),
		    updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, uuid.NewString(), sessionID, attendeeID, enrollmentID,
		models.AttendanceStatusAbsent, token, now); err != nil {
		return fmt.Errorf("update attendance token: %w", err)
	}
	return nil
}

// UpdateConnections replaces the interval list and aggregate minutes for a row.
func (r *AttendanceRepository) UpdateConnections(ctx context.Context, id string, connections models.ConnectionList, minutesAttended int) error {
	const query = `UPDATE session_attendances
		SET connections = $2, minutes_attended = $3, updated_at = $4
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, connections, minutesAttended, time.Now().UTC()); err != nil {
		return fmt.Errorf("update attendance connections: %w", err)
	}
	return nil
}

// ListWithOpenConnectionsPastWindow returns attendance rows holding at least
// one open interval whose session already ended more than windowAfterMinutes
// ago. Consumed by the orphaned-connection sweep.
func (r *AttendanceRepository) ListWithOpenConnectionsPastWindow(ctx context.Context, windowAfterMinutes int) ([]models.AttendanceWithSession, error) {
	query := fmt.Sprintf(`SELECT sa.%s, es.start_at AS session_start_at, es.end_at AS session_end_at
		FROM session_attendances sa
		JOIN event_sessions es ON es.id = sa.session_id
		WHERE es.end_at + ($1 * INTERVAL '1 minute') < NOW()
		  AND EXISTS (
		    SELECT 1 FROM jsonb_array_elements(sa.connections) conn
		    WHERE conn->>'disconnected_at' IS NULL
		  )`,
		"id, sa.session_id, sa.attendee_id, sa.enrollment_id, sa.status, sa.modality, sa.check_in_at, sa.check_out_at, sa.minutes_attended, sa.connections, sa.current_token, sa.excuse_reason, sa.created_at, sa.updated_at")
	var rows []models.AttendanceWithSession
	if err := r.db.SelectContext(ctx, &rows, query, windowAfterMinutes); err != nil {
		return nil, fmt.Errorf("list orphaned connections: %w", err)
	}
	return rows, nil
}
