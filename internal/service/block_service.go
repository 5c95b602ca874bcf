package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/event-cert-api/internal/models"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
)

type blockRepository interface {
	Create(ctx context.Context, block *models.EvaluableBlock) error
	FindByID(ctx context.Context, id string) (*models.EvaluableBlock, error)
	List(ctx context.Context, filter models.BlockFilter) ([]models.EvaluableBlock, int, error)
	UpdateStatus(ctx context.Context, id string, from, to models.BlockStatus) (bool, error)
}

type eventReader interface {
	FindEvent(ctx context.Context, id string) (*models.Event, error)
}

// CreateBlockRequest describes the block creation payload.
type CreateBlockRequest struct {
	EventID                 string  `json:"event_id" validate:"required"`
	Title                   string  `json:"title" validate:"required"`
	GradingScheme           string  `json:"grading_scheme" validate:"required,grading_scheme"`
	MinPassingGrade         float64 `json:"min_passing_grade" validate:"gte=0"`
	MaxGrade                float64 `json:"max_grade" validate:"gt=0"`
	MinAttendancePercentage float64 `json:"min_attendance_percentage" validate:"gte=0,lte=100"`
	RetakeAllowed           bool    `json:"retake_allowed"`
	MaxRetakeAttempts       int     `json:"max_retake_attempts" validate:"gte=0"`
	Capacity                int     `json:"capacity" validate:"gte=0"`
	Price                   float64 `json:"price" validate:"gte=0"`
	RequiresRegistration    bool    `json:"requires_registration"`
	CustomFormula           *string `json:"custom_formula"`
	EnrollmentStartAt       time.Time `json:"enrollment_start_at" validate:"required"`
	EnrollmentEndAt         time.Time `json:"enrollment_end_at" validate:"required"`
	DeliveryStartAt         time.Time `json:"delivery_start_at" validate:"required"`
	DeliveryEndAt           time.Time `json:"delivery_end_at" validate:"required"`
}

// TransitionBlockRequest moves a block along its lifecycle.
type TransitionBlockRequest struct {
	Status string `json:"status" validate:"required"`
}

// BlockService owns the evaluable block catalog and lifecycle.
type BlockService struct {
	blocks    blockRepository
	events    eventReader
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewBlockService constructs BlockService.
func NewBlockService(blocks blockRepository, events eventReader, validate *validator.Validate, logger *zap.Logger) *BlockService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &BlockService{
		blocks:    blocks,
		events:    events,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	svc.validator.RegisterValidation("grading_scheme", func(fl validator.FieldLevel) bool {
		return models.GradingScheme(fl.Field().String()).Valid()
	})
	return svc
}

// Create validates and persists a new block in DRAFT state.
func (s *BlockService) Create(ctx context.Context, req CreateBlockRequest) (*models.EvaluableBlock, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid block payload")
	}
	if req.MinPassingGrade > req.MaxGrade {
		return nil, appErrors.Clone(appErrors.ErrValidation, "minimum passing grade cannot exceed maximum grade")
	}
	if !req.EnrollmentEndAt.After(req.EnrollmentStartAt) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "enrollment window is malformed")
	}
	if !req.DeliveryEndAt.After(req.DeliveryStartAt) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "delivery window is malformed")
	}
	if req.CustomFormula != nil && *req.CustomFormula != "" {
		if _, err := ParseFormula(*req.CustomFormula); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid custom formula")
		}
	}
	if _, err := s.events.FindEvent(ctx, req.EventID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
	}

	block := &models.EvaluableBlock{
		EventID:                 req.EventID,
		Title:                   req.Title,
		Status:                  models.BlockStatusDraft,
		GradingScheme:           models.GradingScheme(req.GradingScheme),
		MinPassingGrade:         req.MinPassingGrade,
		MaxGrade:                req.MaxGrade,
		MinAttendancePercentage: req.MinAttendancePercentage,
		RetakeAllowed:           req.RetakeAllowed,
		MaxRetakeAttempts:       req.MaxRetakeAttempts,
		Capacity:                req.Capacity,
		Price:                   req.Price,
		RequiresRegistration:    req.RequiresRegistration,
		CustomFormula:           req.CustomFormula,
		EnrollmentStartAt:       req.EnrollmentStartAt,
		EnrollmentEndAt:         req.EnrollmentEndAt,
		DeliveryStartAt:         req.DeliveryStartAt,
		DeliveryEndAt:           req.DeliveryEndAt,
	}
	if err := s.blocks.Create(ctx, block); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create block")
	}
	return block, nil
}

// Get returns a block by ID.
func (s *BlockService) Get(ctx context.Context, id string) (*models.EvaluableBlock, error) {
	block, err := s.blocks.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "block not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load block")
	}
	return block, nil
}

// List returns blocks with pagination metadata.
func (s *BlockService) List(ctx context.Context, filter models.BlockFilter) ([]models.EvaluableBlock, *models.Pagination, error) {
	blocks, total, err := s.blocks.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list blocks")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return blocks, pagination, nil
}

// Transition moves a block to the requested lifecycle status, rejecting any
// move not present in the adjacency table.
func (s *BlockService) Transition(ctx context.Context, id string, req TransitionBlockRequest) (*models.EvaluableBlock, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transition payload")
	}
	next := models.BlockStatus(req.Status)
	if !next.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown block status %q", req.Status))
	}
	block, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !block.Status.CanTransitionTo(next) {
		return nil, appErrors.Clone(appErrors.ErrInvalidState,
			fmt.Sprintf("cannot transition block from %s to %s", block.Status, next))
	}
	moved, err := s.blocks.UpdateStatus(ctx, id, block.Status, next)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to transition block")
	}
	if !moved {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "block status changed concurrently")
	}
	block.Status = next
	return block, nil
}
