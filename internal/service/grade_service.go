package service

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/event-cert-api/internal/models"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
)

type gradeRepository interface {
	Upsert(ctx context.Context, grade *models.ParticipantGrade) error
	List(ctx context.Context, filter models.GradeFilter) ([]models.ParticipantGrade, error)
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.ParticipantGrade, error)
	Publish(ctx context.Context, blockID string, evaluationID string) ([]string, error)
}

type evaluationRepository interface {
	Create(ctx context.Context, evaluation *models.Evaluation) error
	FindByID(ctx context.Context, id string) (*models.Evaluation, error)
	ListByBlock(ctx context.Context, blockID string, activeOnly bool) ([]models.Evaluation, error)
	SumActiveWeights(ctx context.Context, blockID string) (float64, error)
}

type gradeEnrollmentRepo interface {
	FindByID(ctx context.Context, id string) (*models.BlockEnrollment, error)
	ListByBlock(ctx context.Context, blockID string, status models.EnrollmentStatus) ([]models.BlockEnrollment, error)
	UpdateGradeDerived(ctx context.Context, id string, finalGrade, finalGradeAfterRetake *float64, retakeAttemptsUsed int) error
}

type userReader interface {
	FindUser(ctx context.Context, id string) (*models.User, error)
}

// CreateEvaluationRequest describes a new gradable component.
type CreateEvaluationRequest struct {
	Title                string   `json:"title" validate:"required"`
	Kind                 string   `json:"kind" validate:"required,evaluation_kind"`
	Weight               float64  `json:"weight" validate:"gte=0,lte=100"`
	MaxGrade             *float64 `json:"max_grade" validate:"omitempty,gt=0"`
	IsRetake             bool     `json:"is_retake"`
	ReplacesEvaluationID *string  `json:"replaces_evaluation_id"`
}

// RecordGradeRequest describes a single grade entry payload.
type RecordGradeRequest struct {
	EnrollmentID string  `json:"enrollment_id" validate:"required"`
	EvaluationID string  `json:"evaluation_id" validate:"required"`
	RawGrade     float64 `json:"raw_grade" validate:"gte=0"`
	IsRetake     bool    `json:"is_retake"`
	Publish      bool    `json:"publish"`
	GradedBy     *string `json:"graded_by"`
	Comments     *string `json:"comments"`
}

// BatchGradeEntry is one item of a batch grade submission.
type BatchGradeEntry struct {
	EnrollmentID string  `json:"enrollment_id" validate:"required"`
	RawGrade     float64 `json:"raw_grade" validate:"gte=0"`
	IsRetake     bool    `json:"is_retake"`
	Publish      bool    `json:"publish"`
}

// BatchGradeFailure captures a failed batch entry.
type BatchGradeFailure struct {
	EnrollmentID string `json:"enrollment_id"`
	Reason       string `json:"reason"`
}

// BatchGradeResult summarises best-effort batch application. Entries applied
// before a failure are not rolled back.
type BatchGradeResult struct {
	Processed int                 `json:"processed"`
	Success   int                 `json:"success"`
	Failures  []BatchGradeFailure `json:"failures,omitempty"`
}

// PublishGradesRequest publishes draft grades for a block scope.
type PublishGradesRequest struct {
	EvaluationID string `json:"evaluation_id"`
}

// GradeService orchestrates grade recording, publication and final-grade
// computation.
type GradeService struct {
	grades       gradeRepository
	evaluations  evaluationRepository
	enrollments  gradeEnrollmentRepo
	blocks       blockReader
	users        userReader
	cache        *CacheService
	validator    *validator.Validate
	logger       *zap.Logger
	roundingMode func(float64) float64
	now          func() time.Time
}

// NewGradeService constructs GradeService.
func NewGradeService(grades gradeRepository, evaluations evaluationRepository, enrollments gradeEnrollmentRepo, blocks blockReader, users userReader, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *GradeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &GradeService{
		grades:       grades,
		evaluations:  evaluations,
		enrollments:  enrollments,
		blocks:       blocks,
		users:        users,
		cache:        cache,
		validator:    validate,
		logger:       logger,
		roundingMode: func(v float64) float64 { return math.RoundToEven(v*100) / 100 },
		now:          func() time.Time { return time.Now().UTC() },
	}
	svc.validator.RegisterValidation("evaluation_kind", func(fl validator.FieldLevel) bool {
		return models.EvaluationKind(fl.Field().String()).Valid()
	})
	return svc
}

// CreateEvaluation adds a gradable component to a block, rejecting weights
// that would push the active non-retake total past 100.
func (s *GradeService) CreateEvaluation(ctx context.Context, blockID string, req CreateEvaluationRequest) (*models.Evaluation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid evaluation payload")
	}
	block, err := s.loadBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	if req.IsRetake {
		if !block.RetakeAllowed {
			return nil, appErrors.Clone(appErrors.ErrValidation, "block does not allow retakes")
		}
		if req.ReplacesEvaluationID == nil || *req.ReplacesEvaluationID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "retake evaluation must reference the evaluation it replaces")
		}
		replaced, err := s.evaluations.FindByID(ctx, *req.ReplacesEvaluationID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "replaced evaluation not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load replaced evaluation")
		}
		if replaced.BlockID != blockID {
			return nil, appErrors.Clone(appErrors.ErrValidation, "replaced evaluation belongs to another block")
		}
	} else {
		sum, err := s.evaluations.SumActiveWeights(ctx, blockID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sum evaluation weights")
		}
		if sum+req.Weight > 100 {
			return nil, appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("evaluation weights would exceed 100 (current %.2f, adding %.2f)", sum, req.Weight))
		}
	}

	evaluation := &models.Evaluation{
		BlockID:              blockID,
		Title:                req.Title,
		Kind:                 models.EvaluationKind(req.Kind),
		Weight:               req.Weight,
		MaxGrade:             req.MaxGrade,
		IsRetake:             req.IsRetake,
		ReplacesEvaluationID: req.ReplacesEvaluationID,
		Active:               true,
	}
	if err := s.evaluations.Create(ctx, evaluation); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create evaluation")
	}
	return evaluation, nil
}

// RecordGrade validates, normalizes and upserts one grade record. Recording
// a published retake grade triggers an immediate final-grade recalculation.
func (s *GradeService) RecordGrade(ctx context.Context, req RecordGradeRequest) (*models.ParticipantGrade, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid grade payload")
	}
	enrollment, err := s.loadEnrollment(ctx, req.EnrollmentID)
	if err != nil {
		return nil, err
	}
	evaluation, err := s.loadEvaluation(ctx, req.EvaluationID)
	if err != nil {
		return nil, err
	}
	if evaluation.BlockID != enrollment.BlockID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "evaluation belongs to another block")
	}
	block, err := s.loadBlock(ctx, enrollment.BlockID)
	if err != nil {
		return nil, err
	}
	maxGrade := evaluation.EffectiveMaxGrade(block.MaxGrade)
	if req.RawGrade < 0 || req.RawGrade > maxGrade {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("grade %.2f outside range [0, %.2f]", req.RawGrade, maxGrade))
	}
	if req.IsRetake && !block.RetakeAllowed {
		return nil, appErrors.Clone(appErrors.ErrValidation, "block does not allow retakes")
	}
	if req.GradedBy != nil && *req.GradedBy != "" {
		if _, err := s.users.FindUser(ctx, *req.GradedBy); err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "grader not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grader")
		}
	}

	attempt := 1
	isRetake := req.IsRetake
	existing, err := s.grades.List(ctx, models.GradeFilter{
		EnrollmentID: req.EnrollmentID,
		EvaluationID: req.EvaluationID,
		IsRetake:     &isRetake,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to inspect existing grades")
	}
	if len(existing) > 0 {
		attempt = existing[0].AttemptNumber + 1
		if req.IsRetake && block.MaxRetakeAttempts > 0 && existing[0].AttemptNumber >= block.MaxRetakeAttempts {
			return nil, appErrors.Clone(appErrors.ErrValidation, "retake attempts exhausted")
		}
	}

	status := models.GradeStatusDraft
	if req.Publish {
		status = models.GradeStatusPublished
	}
	grade := &models.ParticipantGrade{
		EnrollmentID:    req.EnrollmentID,
		EvaluationID:    req.EvaluationID,
		RawGrade:        req.RawGrade,
		NormalizedGrade: s.roundingMode(req.RawGrade * (block.MaxGrade / maxGrade)),
		Status:          status,
		IsRetakeGrade:   req.IsRetake,
		AttemptNumber:   attempt,
		GradedBy:        req.GradedBy,
		Comments:        req.Comments,
	}
	if err := s.grades.Upsert(ctx, grade); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record grade")
	}

	if status == models.GradeStatusPublished {
		if err := s.RecalculateFinalGrade(ctx, req.EnrollmentID); err != nil {
			return nil, err
		}
		s.invalidateStats(ctx, req.EvaluationID)
	}
	return grade, nil
}

// BatchRecordGrades applies entries sequentially with best-effort semantics:
// a failure on one entry does not undo the preceding ones.
func (s *GradeService) BatchRecordGrades(ctx context.Context, evaluationID string, entries []BatchGradeEntry) (*BatchGradeResult, error) {
	if len(entries) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no entries provided")
	}
	if _, err := s.loadEvaluation(ctx, evaluationID); err != nil {
		return nil, err
	}
	result := &BatchGradeResult{Processed: len(entries)}
	for _, entry := range entries {
		_, err := s.RecordGrade(ctx, RecordGradeRequest{
			EnrollmentID: entry.EnrollmentID,
			EvaluationID: evaluationID,
			RawGrade:     entry.RawGrade,
			IsRetake:     entry.IsRetake,
			Publish:      entry.Publish,
		})
		if err != nil {
			result.Failures = append(result.Failures, BatchGradeFailure{
				EnrollmentID: entry.EnrollmentID,
				Reason:       err.Error(),
			})
			continue
		}
		result.Success++
	}
	return result, nil
}

// PublishGrades bulk-transitions DRAFT grades to PUBLISHED for a block
// (optionally one evaluation) and recalculates the final grade of every
// enrollment in the block. The block must be in GRADING.
func (s *GradeService) PublishGrades(ctx context.Context, blockID string, req PublishGradesRequest) (int, error) {
	block, err := s.loadBlock(ctx, blockID)
	if err != nil {
		return 0, err
	}
	if block.Status != models.BlockStatusGrading {
		return 0, appErrors.Clone(appErrors.ErrInvalidState, "grades can only be published while the block is grading")
	}
	if req.EvaluationID != "" {
		evaluation, err := s.loadEvaluation(ctx, req.EvaluationID)
		if err != nil {
			return 0, err
		}
		if evaluation.BlockID != blockID {
			return 0, appErrors.Clone(appErrors.ErrValidation, "evaluation belongs to another block")
		}
	}
	published, err := s.grades.Publish(ctx, blockID, req.EvaluationID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to publish grades")
	}
	enrollments, err := s.enrollments.ListByBlock(ctx, blockID, "")
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	for _, enrollment := range enrollments {
		if err := s.RecalculateFinalGrade(ctx, enrollment.ID); err != nil {
			s.logger.Warn("final grade recalculation failed after publish",
				zap.String("enrollment_id", enrollment.ID), zap.Error(err))
		}
	}
	s.invalidateStats(ctx, req.EvaluationID)
	return len(published), nil
}

// RecalculateFinalGrade recomputes the enrollment's final grade from its
// published grades under the block's scheme, applies the custom formula when
// one is configured, and caps retake rescues at the minimum passing grade.
func (s *GradeService) RecalculateFinalGrade(ctx context.Context, enrollmentID string) error {
	enrollment, err := s.loadEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	block, err := s.loadBlock(ctx, enrollment.BlockID)
	if err != nil {
		return err
	}
	evaluations, err := s.evaluations.ListByBlock(ctx, block.ID, true)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list evaluations")
	}
	grades, err := s.grades.ListByEnrollment(ctx, enrollmentID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list grades")
	}

	finalGrade := s.computeFinalGrade(block, evaluations, grades)

	if finalGrade != nil && block.CustomFormula != nil && *block.CustomFormula != "" {
		adjusted := s.applyFormula(block, enrollment, *finalGrade)
		finalGrade = &adjusted
	}

	var finalAfterRetake *float64
	retakesUsed := 0
	bestRetake := math.Inf(-1)
	for _, grade := range grades {
		if !grade.IsRetakeGrade || grade.Status != models.GradeStatusPublished {
			continue
		}
		if grade.AttemptNumber > retakesUsed {
			retakesUsed = grade.AttemptNumber
		}
		if grade.NormalizedGrade > bestRetake {
			bestRetake = grade.NormalizedGrade
		}
	}
	if !math.IsInf(bestRetake, -1) {
		rescued := math.Min(bestRetake, block.MinPassingGrade)
		if finalGrade != nil && *finalGrade > rescued {
			rescued = *finalGrade
		}
		finalAfterRetake = &rescued
	}

	if err := s.enrollments.UpdateGradeDerived(ctx, enrollmentID, finalGrade, finalAfterRetake, retakesUsed); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store final grade")
	}
	return nil
}

// GetEvaluationStats aggregates published non-retake grades for an
// evaluation. Results are cached.
func (s *GradeService) GetEvaluationStats(ctx context.Context, evaluationID string) (*models.EvaluationStats, error) {
	cacheKey := statsCacheKey(evaluationID)
	if s.cache.Enabled() {
		var cached models.EvaluationStats
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	evaluation, err := s.loadEvaluation(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	block, err := s.loadBlock(ctx, evaluation.BlockID)
	if err != nil {
		return nil, err
	}
	nonRetake := false
	grades, err := s.grades.List(ctx, models.GradeFilter{
		EvaluationID: evaluationID,
		Status:       models.GradeStatusPublished,
		IsRetake:     &nonRetake,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list grades")
	}

	stats := s.computeStats(evaluationID, block, grades)
	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, cacheKey, stats, 0); err != nil {
			s.logger.Warn("failed to cache evaluation stats", zap.String("evaluation_id", evaluationID), zap.Error(err))
		}
	}
	return stats, nil
}

func (s *GradeService) computeFinalGrade(block *models.EvaluableBlock, evaluations []models.Evaluation, grades []models.ParticipantGrade) *float64 {
	published := make(map[string]models.ParticipantGrade)
	for _, grade := range grades {
		if grade.Status != models.GradeStatusPublished || grade.IsRetakeGrade {
			continue
		}
		published[grade.EvaluationID] = grade
	}
	if len(published) == 0 {
		// Ungraded is distinct from zero.
		return nil
	}

	switch block.GradingScheme {
	case models.GradingSchemeComposite:
		sum := 0.0
		totalWeightGraded := 0.0
		for _, evaluation := range evaluations {
			if evaluation.IsRetake {
				continue
			}
			grade, ok := published[evaluation.ID]
			if !ok {
				continue
			}
			sum += grade.NormalizedGrade * evaluation.Weight / 100
			totalWeightGraded += evaluation.Weight
		}
		if totalWeightGraded == 0 {
			return nil
		}
		// Scale up while only part of the weight is graded so a partially
		// graded block is not unfairly depressed.
		value := s.roundingMode(sum * 100 / totalWeightGraded)
		return &value
	default:
		sum := 0.0
		for _, grade := range published {
			sum += grade.NormalizedGrade
		}
		value := s.roundingMode(sum / float64(len(published)))
		return &value
	}
}

// applyFormula post-processes the computed grade through the block's custom
// formula. Evaluation failures are logged and the unmodified grade is kept.
func (s *GradeService) applyFormula(block *models.EvaluableBlock, enrollment *models.BlockEnrollment, computed float64) float64 {
	formula, err := ParseFormula(*block.CustomFormula)
	if err != nil {
		s.logger.Warn("invalid custom grading formula",
			zap.String("block_id", block.ID), zap.Error(err))
		return computed
	}
	attendance := 0.0
	if enrollment.AttendancePercentage != nil {
		attendance = *enrollment.AttendancePercentage
	}
	result, err := formula.Eval(FormulaVars{Grade: computed, Attendance: attendance})
	if err != nil {
		s.logger.Warn("custom grading formula evaluation failed",
			zap.String("block_id", block.ID), zap.Error(err))
		return computed
	}
	if result < 0 {
		result = 0
	}
	if result > block.MaxGrade {
		result = block.MaxGrade
	}
	return s.roundingMode(result)
}

func (s *GradeService) computeStats(evaluationID string, block *models.EvaluableBlock, grades []models.ParticipantGrade) *models.EvaluationStats {
	stats := &models.EvaluationStats{
		EvaluationID: evaluationID,
		Distribution: []models.DistributionBucket{
			{Label: "0-20%"}, {Label: "21-40%"}, {Label: "41-60%"}, {Label: "61-80%"}, {Label: "81-100%"},
		},
	}
	if len(grades) == 0 {
		return stats
	}

	values := make([]float64, 0, len(grades))
	sum := 0.0
	for _, grade := range grades {
		values = append(values, grade.NormalizedGrade)
		sum += grade.NormalizedGrade
		if grade.NormalizedGrade >= block.MinPassingGrade {
			stats.PassingCount++
		}
		bucket := bucketIndex(grade.NormalizedGrade, block.MaxGrade)
		stats.Distribution[bucket].Count++
	}
	sort.Float64s(values)

	stats.Count = len(values)
	stats.Min = values[0]
	stats.Max = values[len(values)-1]
	stats.Average = s.roundingMode(sum / float64(len(values)))
	stats.PassingRate = s.roundingMode(float64(stats.PassingCount) / float64(len(values)) * 100)

	mid := len(values) / 2
	if len(values)%2 == 0 {
		stats.Median = s.roundingMode((values[mid-1] + values[mid]) / 2)
	} else {
		stats.Median = values[mid]
	}

	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	stats.StdDev = s.roundingMode(math.Sqrt(variance))
	return stats
}

func bucketIndex(normalized, maxGrade float64) int {
	if maxGrade <= 0 {
		return 0
	}
	percent := normalized / maxGrade * 100
	switch {
	case percent <= 20:
		return 0
	case percent <= 40:
		return 1
	case percent <= 60:
		return 2
	case percent <= 80:
		return 3
	default:
		return 4
	}
}

func statsCacheKey(evaluationID string) string {
	return "stats:evaluation:" + evaluationID
}

func (s *GradeService) invalidateStats(ctx context.Context, evaluationID string) {
	if !s.cache.Enabled() {
		return
	}
	pattern := "stats:evaluation:*"
	if evaluationID != "" {
		pattern = statsCacheKey(evaluationID)
	}
	if err := s.cache.Invalidate(ctx, pattern); err != nil {
		s.logger.Warn("failed to invalidate stats cache", zap.Error(err))
	}
}

func (s *GradeService) loadBlock(ctx context.Context, id string) (*models.EvaluableBlock, error) {
	block, err := s.blocks.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "block not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load block")
	}
	return block, nil
}

func (s *GradeService) loadEnrollment(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	enrollment, err := s.enrollments.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *GradeService) loadEvaluation(ctx context.Context, id string) (*models.Evaluation, error) {
	evaluation, err := s.evaluations.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "evaluation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load evaluation")
	}
	return evaluation, nil
}
