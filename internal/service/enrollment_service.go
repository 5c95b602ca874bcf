package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/event-cert-api/internal/models"
	"github.com/noah-isme/event-cert-api/internal/repository"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
)

type enrollmentRepository interface {
	Create(ctx context.Context, enrollment *models.BlockEnrollment) error
	FindByID(ctx context.Context, id string) (*models.BlockEnrollment, error)
	ExistsActive(ctx context.Context, blockID, attendeeID string) (bool, error)
	CountByStatus(ctx context.Context, blockID string, status models.EnrollmentStatus) (int, error)
	ListByBlock(ctx context.Context, blockID string, status models.EnrollmentStatus) ([]models.BlockEnrollment, error)
	UpdateStatus(ctx context.Context, id string, from, to models.EnrollmentStatus, enrolledAt, withdrawnAt *time.Time) error
	BulkUpdateStatus(ctx context.Context, blockID string, from, to models.EnrollmentStatus) (int, error)
	FinalizeWithSnapshot(ctx context.Context, id string, decide func(models.BlockEnrollment) (models.EnrollmentStatus, bool, *float64, error)) (*models.BlockEnrollment, error)
}

type blockReader interface {
	FindByID(ctx context.Context, id string) (*models.EvaluableBlock, error)
}

type registrationReader interface {
	FindAttendee(ctx context.Context, id string) (*models.Attendee, error)
	HasConfirmedRegistration(ctx context.Context, eventID, attendeeID string) (bool, error)
}

// EnrollRequest describes enrollment creation.
type EnrollRequest struct {
	AttendeeID     string  `json:"attendee_id" validate:"required"`
	DiscountAmount float64 `json:"discount_amount" validate:"gte=0"`
}

// EnrollmentService owns the block enrollment lifecycle state machine.
type EnrollmentService struct {
	repo      enrollmentRepository
	blocks    blockReader
	registry  registrationReader
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, blocks blockReader, registry registrationReader, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		repo:      repo,
		blocks:    blocks,
		registry:  registry,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enroll registers an attendee into a block. A zero final price enrolls
// immediately; a positive one leaves the enrollment PENDING payment.
func (s *EnrollmentService) Enroll(ctx context.Context, blockID string, req EnrollRequest) (*models.BlockEnrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	block, err := s.blocks.FindByID(ctx, blockID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "block not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load block")
	}
	if block.Status != models.BlockStatusOpen {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "block is not open for enrollment")
	}
	now := s.now()
	if now.Before(block.EnrollmentStartAt) || now.After(block.EnrollmentEndAt) {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "outside enrollment window")
	}
	if _, err := s.registry.FindAttendee(ctx, req.AttendeeID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attendee not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendee")
	}
	if block.RequiresRegistration {
		confirmed, err := s.registry.HasConfirmedRegistration(ctx, block.EventID, req.AttendeeID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check registration")
		}
		if !confirmed {
			return nil, appErrors.Clone(appErrors.ErrValidation, "confirmed event registration required")
		}
	}
	exists, err := s.repo.ExistsActive(ctx, blockID, req.AttendeeID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollment")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "attendee already enrolled in block")
	}
	if block.Capacity > 0 {
		enrolled, err := s.repo.CountByStatus(ctx, blockID, models.EnrollmentStatusEnrolled)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check capacity")
		}
		if enrolled >= block.Capacity {
			return nil, appErrors.Clone(appErrors.ErrCapacityReached, "block capacity reached")
		}
	}

	finalPrice := block.Price - req.DiscountAmount
	if finalPrice < 0 {
		finalPrice = 0
	}
	enrollment := &models.BlockEnrollment{
		BlockID:        blockID,
		AttendeeID:     req.AttendeeID,
		BasePrice:      block.Price,
		DiscountAmount: req.DiscountAmount,
		FinalPrice:     finalPrice,
	}
	if finalPrice > 0 {
		enrollment.Status = models.EnrollmentStatusPending
	} else {
		enrollment.Status = models.EnrollmentStatusEnrolled
		enrolledAt := now
		enrollment.EnrolledAt = &enrolledAt
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}
	return enrollment, nil
}

// ConfirmPayment moves a PENDING enrollment to ENROLLED.
func (s *EnrollmentService) ConfirmPayment(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	enrollment, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if enrollment.Status != models.EnrollmentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "payment can only be confirmed for pending enrollments")
	}
	enrolledAt := s.now()
	if err := s.transition(ctx, id, models.EnrollmentStatusPending, models.EnrollmentStatusEnrolled, &enrolledAt, nil); err != nil {
		return nil, err
	}
	return s.get(ctx, id)
}

// Cancel is allowed from PENDING or ENROLLED only.
func (s *EnrollmentService) Cancel(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	enrollment, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch enrollment.Status {
	case models.EnrollmentStatusPending, models.EnrollmentStatusEnrolled:
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment cannot be cancelled from its current status")
	}
	if err := s.transition(ctx, id, enrollment.Status, models.EnrollmentStatusCancelled, nil, nil); err != nil {
		return nil, err
	}
	return s.get(ctx, id)
}

// Withdraw is allowed from ENROLLED or IN_PROGRESS only.
func (s *EnrollmentService) Withdraw(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	enrollment, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch enrollment.Status {
	case models.EnrollmentStatusEnrolled, models.EnrollmentStatusInProgress:
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment cannot be withdrawn from its current status")
	}
	withdrawnAt := s.now()
	if err := s.transition(ctx, id, enrollment.Status, models.EnrollmentStatusWithdrawn, nil, &withdrawnAt); err != nil {
		return nil, err
	}
	return s.get(ctx, id)
}

// StartBlock moves every ENROLLED enrollment of a block to IN_PROGRESS and
// returns the number of enrollments started.
func (s *EnrollmentService) StartBlock(ctx context.Context, blockID string) (int, error) {
	if _, err := s.blocks.FindByID(ctx, blockID); err != nil {
		if err == sql.ErrNoRows {
			return 0, appErrors.Clone(appErrors.ErrNotFound, "block not found")
		}
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load block")
	}
	moved, err := s.repo.BulkUpdateStatus(ctx, blockID, models.EnrollmentStatusEnrolled, models.EnrollmentStatusInProgress)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start block enrollments")
	}
	return moved, nil
}

// Finalize decides APPROVED or FAILED for an IN_PROGRESS enrollment from a
// row-locked snapshot of its derived attendance and grade fields.
func (s *EnrollmentService) Finalize(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	block, err := s.blocks.FindByID(ctx, current.BlockID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "block not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load block")
	}

	finalized, err := s.repo.FinalizeWithSnapshot(ctx, id, func(snapshot models.BlockEnrollment) (models.EnrollmentStatus, bool, *float64, error) {
		if snapshot.Status != models.EnrollmentStatusInProgress {
			return "", false, nil, appErrors.Clone(appErrors.ErrInvalidState, "only in-progress enrollments can be finalized")
		}
		meetsAttendance := snapshot.AttendancePercentage != nil &&
			*snapshot.AttendancePercentage >= block.MinAttendancePercentage
		finalGrade := snapshot.EffectiveFinalGrade()
		meetsGrade := finalGrade != nil && *finalGrade >= block.MinPassingGrade
		passed := meetsAttendance && meetsGrade
		status := models.EnrollmentStatusFailed
		if passed {
			status = models.EnrollmentStatusApproved
		}
		return status, passed, finalGrade, nil
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.FromError(err)
	}
	return finalized, nil
}

// Get returns an enrollment by ID.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	return s.get(ctx, id)
}

// ListByBlock returns enrollments in a block, optionally filtered by status.
func (s *EnrollmentService) ListByBlock(ctx context.Context, blockID string, status models.EnrollmentStatus) ([]models.BlockEnrollment, error) {
	if status != "" && !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown enrollment status")
	}
	enrollments, err := s.repo.ListByBlock(ctx, blockID, status)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	return enrollments, nil
}

func (s *EnrollmentService) get(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *EnrollmentService) transition(ctx context.Context, id string, from, to models.EnrollmentStatus, enrolledAt, withdrawnAt *time.Time) error {
	if err := s.repo.UpdateStatus(ctx, id, from, to, enrolledAt, withdrawnAt); err != nil {
		if err == repository.ErrStaleStatus {
			return appErrors.Clone(appErrors.ErrInvalidState, "enrollment is not in the expected status")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment status")
	}
	return nil
}
