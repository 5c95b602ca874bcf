package service

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/event-cert-api/internal/models"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
)

type attendanceRepository interface {
	Upsert(ctx context.Context, attendance *models.SessionAttendance) error
	FindBySessionAndAttendee(ctx context.Context, sessionID, attendeeID string) (*models.SessionAttendance, error)
	ListForEnrollment(ctx context.Context, blockID, attendeeID string) ([]models.SessionAttendance, error)
}

type sessionCatalog interface {
	FindSession(ctx context.Context, id string) (*models.EventSession, error)
	ListBlockIDsBySession(ctx context.Context, sessionID string) ([]string, error)
	CountSessionsByBlock(ctx context.Context, blockID string) (int, error)
	FindTicketByCode(ctx context.Context, code string) (*models.EventTicket, error)
	FindAttendee(ctx context.Context, id string) (*models.Attendee, error)
}

type attendanceEnrollmentRepo interface {
	FindByID(ctx context.Context, id string) (*models.BlockEnrollment, error)
	FindActiveByAttendeeAndBlocks(ctx context.Context, attendeeID string, blockIDs []string, statuses []models.EnrollmentStatus) (*models.BlockEnrollment, error)
	UpdateAttendanceDerived(ctx context.Context, id string, percentage float64, sessionsAttended int) error
}

// RecordAttendanceRequest describes one manual attendance entry.
type RecordAttendanceRequest struct {
	SessionID    string     `json:"session_id" validate:"required"`
	AttendeeID   string     `json:"attendee_id" validate:"required"`
	Status       string     `json:"status" validate:"required,attendance_status"`
	Modality     *string    `json:"modality" validate:"omitempty,attendance_modality"`
	CheckInAt    *time.Time `json:"check_in_at"`
	CheckOutAt   *time.Time `json:"check_out_at"`
	ExcuseReason *string    `json:"excuse_reason"`
}

// BatchAttendanceEntry is one item of a batch attendance submission.
type BatchAttendanceEntry struct {
	AttendeeID   string  `json:"attendee_id" validate:"required"`
	Status       string  `json:"status" validate:"required"`
	ExcuseReason *string `json:"excuse_reason"`
}

// BatchAttendanceFailure captures a failed batch entry.
type BatchAttendanceFailure struct {
	AttendeeID string `json:"attendee_id"`
	Reason     string `json:"reason"`
}

// BatchAttendanceResult summarises best-effort batch application. Entries
// applied before a failure are not rolled back.
type BatchAttendanceResult struct {
	Processed int                      `json:"processed"`
	Success   int                      `json:"success"`
	Failures  []BatchAttendanceFailure `json:"failures,omitempty"`
}

// AttendanceService records per-session attendance facts and keeps the
// derived attendance percentage on enrollments current.
type AttendanceService struct {
	attendances attendanceRepository
	catalog     sessionCatalog
	enrollments attendanceEnrollmentRepo
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// NewAttendanceService constructs AttendanceService.
func NewAttendanceService(attendances attendanceRepository, catalog sessionCatalog, enrollments attendanceEnrollmentRepo, validate *validator.Validate, logger *zap.Logger) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AttendanceService{
		attendances: attendances,
		catalog:     catalog,
		enrollments: enrollments,
		validator:   validate,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	svc.validator.RegisterValidation("attendance_status", func(fl validator.FieldLevel) bool {
		return models.AttendanceStatus(fl.Field().String()).Valid()
	})
	svc.validator.RegisterValidation("attendance_modality", func(fl validator.FieldLevel) bool {
		return models.AttendanceModality(fl.Field().String()).Valid()
	})
	return svc
}

// Record upserts the attendance fact for (session, attendee) and refreshes
// the enrollment's attendance percentage. The attendee must hold an active
// enrollment in a block containing the session.
func (s *AttendanceService) Record(ctx context.Context, req RecordAttendanceRequest) (*models.SessionAttendance, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}
	enrollment, err := s.activeEnrollmentForSession(ctx, req.SessionID, req.AttendeeID)
	if err != nil {
		return nil, err
	}

	existing, err := s.attendances.FindBySessionAndAttendee(ctx, req.SessionID, req.AttendeeID)
	if err != nil && err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}

	attendance := &models.SessionAttendance{
		SessionID:    req.SessionID,
		AttendeeID:   req.AttendeeID,
		EnrollmentID: &enrollment.ID,
		Status:       models.AttendanceStatus(req.Status),
		CheckInAt:    req.CheckInAt,
		CheckOutAt:   req.CheckOutAt,
		ExcuseReason: req.ExcuseReason,
	}
	if req.Modality != nil {
		modality := models.AttendanceModality(*req.Modality)
		attendance.Modality = &modality
	}
	if existing != nil {
		attendance.ID = existing.ID
		attendance.Connections = existing.Connections
		attendance.CreatedAt = existing.CreatedAt
	}
	attendance.MinutesAttended = attendance.ComputeMinutesAttended()
	if err := s.attendances.Upsert(ctx, attendance); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attendance")
	}

	if err := s.RecalculatePercentage(ctx, enrollment.ID); err != nil {
		return nil, err
	}
	return attendance, nil
}

// BatchRecord applies entries sequentially with best-effort semantics: a
// failure on one entry does not undo the preceding ones.
func (s *AttendanceService) BatchRecord(ctx context.Context, sessionID string, entries []BatchAttendanceEntry) (*BatchAttendanceResult, error) {
	if len(entries) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no entries provided")
	}
	if _, err := s.catalog.FindSession(ctx, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	result := &BatchAttendanceResult{Processed: len(entries)}
	for _, entry := range entries {
		_, err := s.Record(ctx, RecordAttendanceRequest{
			SessionID:    sessionID,
			AttendeeID:   entry.AttendeeID,
			Status:       entry.Status,
			ExcuseReason: entry.ExcuseReason,
		})
		if err != nil {
			result.Failures = append(result.Failures, BatchAttendanceFailure{
				AttendeeID: entry.AttendeeID,
				Reason:     err.Error(),
			})
			continue
		}
		result.Success++
	}
	return result, nil
}

// CheckIn records an in-person check-in resolved from a ticket code. A second
// check-in for the same session is rejected.
func (s *AttendanceService) CheckIn(ctx context.Context, sessionID, ticketCode string) (*models.SessionAttendance, error) {
	attendeeID, err := s.resolveTicket(ctx, ticketCode)
	if err != nil {
		return nil, err
	}
	enrollment, err := s.activeEnrollmentForSession(ctx, sessionID, attendeeID)
	if err != nil {
		return nil, err
	}

	existing, err := s.attendances.FindBySessionAndAttendee(ctx, sessionID, attendeeID)
	if err != nil && err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}
	if existing != nil && existing.CheckInAt != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "attendee already checked in")
	}

	now := s.now()
	modality := models.ModalityInPerson
	attendance := &models.SessionAttendance{
		SessionID:    sessionID,
		AttendeeID:   attendeeID,
		EnrollmentID: &enrollment.ID,
		Status:       models.AttendanceStatusPresent,
		Modality:     &modality,
		CheckInAt:    &now,
	}
	if existing != nil {
		attendance.ID = existing.ID
		attendance.Connections = existing.Connections
		attendance.MinutesAttended = existing.MinutesAttended
		attendance.CreatedAt = existing.CreatedAt
		if existing.Modality != nil && *existing.Modality == models.ModalityVirtual {
			hybrid := models.ModalityHybrid
			attendance.Modality = &hybrid
		}
	}
	if err := s.attendances.Upsert(ctx, attendance); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record check-in")
	}

	if err := s.RecalculatePercentage(ctx, enrollment.ID); err != nil {
		return nil, err
	}
	return attendance, nil
}

// CheckOut closes a previously opened in-person check-in. Checking out twice
// or without a check-in is rejected.
func (s *AttendanceService) CheckOut(ctx context.Context, sessionID, ticketCode string) (*models.SessionAttendance, error) {
	attendeeID, err := s.resolveTicket(ctx, ticketCode)
	if err != nil {
		return nil, err
	}
	existing, err := s.attendances.FindBySessionAndAttendee(ctx, sessionID, attendeeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrConflict, "attendee has not checked in")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}
	if existing.CheckInAt == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "attendee has not checked in")
	}
	if existing.CheckOutAt != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "attendee already checked out")
	}

	now := s.now()
	existing.CheckOutAt = &now
	existing.MinutesAttended = existing.ComputeMinutesAttended()
	if err := s.attendances.Upsert(ctx, existing); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record check-out")
	}

	if existing.EnrollmentID != nil {
		if err := s.RecalculatePercentage(ctx, *existing.EnrollmentID); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// RecordVirtualConnectionRequest describes an externally sourced streaming
// interval for the attendance ledger. An omitted LeftAt records an interval
// that is still open.
type RecordVirtualConnectionRequest struct {
	SessionID  string     `json:"session_id" validate:"required"`
	AttendeeID string     `json:"attendee_id" validate:"required"`
	Platform   *string    `json:"platform"`
	JoinedAt   *time.Time `json:"joined_at"`
	LeftAt     *time.Time `json:"left_at"`
	IPAddress  *string    `json:"ip_address"`
}

// RecordVirtualConnection appends a virtual connection interval to the
// attendance row, creating the row as virtual presence when none exists, and
// recomputes the attended minutes from all closed intervals.
func (s *AttendanceService) RecordVirtualConnection(ctx context.Context, req RecordVirtualConnectionRequest) (*models.SessionAttendance, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid virtual connection payload")
	}
	joinedAt := s.now()
	if req.JoinedAt != nil {
		joinedAt = *req.JoinedAt
	}
	if req.LeftAt != nil && req.LeftAt.Before(joinedAt) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "left_at precedes joined_at")
	}
	enrollment, err := s.activeEnrollmentForSession(ctx, req.SessionID, req.AttendeeID)
	if err != nil {
		return nil, err
	}

	existing, err := s.attendances.FindBySessionAndAttendee(ctx, req.SessionID, req.AttendeeID)
	if err != nil && err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}

	attendance := existing
	if attendance == nil {
		modality := models.ModalityVirtual
		attendance = &models.SessionAttendance{
			SessionID:    req.SessionID,
			AttendeeID:   req.AttendeeID,
			EnrollmentID: &enrollment.ID,
			Status:       models.AttendanceStatusPresent,
			Modality:     &modality,
		}
	} else if attendance.Modality != nil && *attendance.Modality == models.ModalityInPerson {
		hybrid := models.ModalityHybrid
		attendance.Modality = &hybrid
	}

	ip := ""
	if req.IPAddress != nil {
		ip = *req.IPAddress
	}
	conn := models.VirtualConnection{
		Platform:    req.Platform,
		ConnectedAt: joinedAt,
		IPAddress:   ip,
	}
	if req.LeftAt != nil {
		closeConnection(&conn, *req.LeftAt)
	}
	attendance.Connections = append(attendance.Connections, conn)
	attendance.MinutesAttended = attendance.ComputeMinutesAttended()

	if err := s.attendances.Upsert(ctx, attendance); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record virtual connection")
	}

	if err := s.RecalculatePercentage(ctx, enrollment.ID); err != nil {
		return nil, err
	}
	return attendance, nil
}

// ListForEnrollment returns the attendance ledger of one enrollment.
func (s *AttendanceService) ListForEnrollment(ctx context.Context, enrollmentID string) ([]models.SessionAttendance, error) {
	enrollment, err := s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	rows, err := s.attendances.ListForEnrollment(ctx, enrollment.BlockID, enrollment.AttendeeID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attendance")
	}
	return rows, nil
}

// RecalculatePercentage recomputes the enrollment's attendance percentage
// from its attendance rows. PARTIAL counts half a session; a block without
// sessions yields 100.
func (s *AttendanceService) RecalculatePercentage(ctx context.Context, enrollmentID string) error {
	enrollment, err := s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	total, err := s.catalog.CountSessionsByBlock(ctx, enrollment.BlockID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count sessions")
	}

	percentage := 100.0
	attended := 0
	if total > 0 {
		rows, err := s.attendances.ListForEnrollment(ctx, enrollment.BlockID, enrollment.AttendeeID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attendance")
		}
		effective := 0.0
		for _, row := range rows {
			switch {
			case row.Status.CountsAsAttended():
				effective++
				attended++
			case row.Status == models.AttendanceStatusPartial:
				effective += 0.5
				attended++
			}
		}
		percentage = math.Round(effective / float64(total) * 100)
	}

	if err := s.enrollments.UpdateAttendanceDerived(ctx, enrollmentID, percentage, attended); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store attendance percentage")
	}
	return nil
}

func (s *AttendanceService) activeEnrollmentForSession(ctx context.Context, sessionID, attendeeID string) (*models.BlockEnrollment, error) {
	if _, err := s.catalog.FindSession(ctx, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	blockIDs, err := s.catalog.ListBlockIDsBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve session blocks")
	}
	if len(blockIDs) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotEnrolled, "session does not belong to any block")
	}
	enrollment, err := s.enrollments.FindActiveByAttendeeAndBlocks(ctx, attendeeID, blockIDs,
		[]models.EnrollmentStatus{models.EnrollmentStatusEnrolled, models.EnrollmentStatusInProgress})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotEnrolled, "attendee is not enrolled in a block containing this session")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve enrollment")
	}
	return enrollment, nil
}

func (s *AttendanceService) resolveTicket(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "ticket code is required")
	}
	ticket, err := s.catalog.FindTicketByCode(ctx, code)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", appErrors.Clone(appErrors.ErrNotFound, "ticket not found")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve ticket")
	}
	return ticket.AttendeeID, nil
}
