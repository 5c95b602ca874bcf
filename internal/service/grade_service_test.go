package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/event-cert-api/internal/models"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
)

type mockGradeRepo struct {
	grades    map[string]*models.ParticipantGrade
	published []string
}

func gradeMockKey(g *models.ParticipantGrade) string {
	retake := "n"
	if g.IsRetakeGrade {
		retake = "r"
	}
	return g.EnrollmentID + ":" + g.EvaluationID + ":" + retake
}

func (m *mockGradeRepo) Upsert(ctx context.Context, grade *models.ParticipantGrade) error {
	if m.grades == nil {
		m.grades = make(map[string]*models.ParticipantGrade)
	}
	if grade.ID == "" {
		grade.ID = "g-" + gradeMockKey(grade)
	}
	copied := *grade
	m.grades[gradeMockKey(grade)] = &copied
	return nil
}

func (m *mockGradeRepo) List(ctx context.Context, filter models.GradeFilter) ([]models.ParticipantGrade, error) {
	var list []models.ParticipantGrade
	for _, g := range m.grades {
		if filter.EnrollmentID != "" && g.EnrollmentID != filter.EnrollmentID {
			continue
		}
		if filter.EvaluationID != "" && g.EvaluationID != filter.EvaluationID {
			continue
		}
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		if filter.IsRetake != nil && g.IsRetakeGrade != *filter.IsRetake {
			continue
		}
		list = append(list, *g)
	}
	return list, nil
}

func (m *mockGradeRepo) ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.ParticipantGrade, error) {
	return m.List(ctx, models.GradeFilter{EnrollmentID: enrollmentID})
}

func (m *mockGradeRepo) Publish(ctx context.Context, blockID string, evaluationID string) ([]string, error) {
	var ids []string
	for _, g := range m.grades {
		if evaluationID != "" && g.EvaluationID != evaluationID {
			continue
		}
		if g.Status == models.GradeStatusDraft {
			g.Status = models.GradeStatusPublished
			ids = append(ids, g.EnrollmentID)
		}
	}
	m.published = ids
	return ids, nil
}

type mockEvaluationRepo struct {
	evaluations map[string]*models.Evaluation
	weightSum   float64
	created     *models.Evaluation
}

func (m *mockEvaluationRepo) Create(ctx context.Context, evaluation *models.Evaluation) error {
	if m.evaluations == nil {
		m.evaluations = make(map[string]*models.Evaluation)
	}
	if evaluation.ID == "" {
		evaluation.ID = "ev-new"
	}
	m.evaluations[evaluation.ID] = evaluation
	m.created = evaluation
	return nil
}

func (m *mockEvaluationRepo) FindByID(ctx context.Context, id string) (*models.Evaluation, error) {
	if e, ok := m.evaluations[id]; ok {
		return e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEvaluationRepo) ListByBlock(ctx context.Context, blockID string, activeOnly bool) ([]models.Evaluation, error) {
	var list []models.Evaluation
	for _, e := range m.evaluations {
		if e.BlockID == blockID && (!activeOnly || e.Active) {
			list = append(list, *e)
		}
	}
	return list, nil
}

func (m *mockEvaluationRepo) SumActiveWeights(ctx context.Context, blockID string) (float64, error) {
	return m.weightSum, nil
}

type mockGradeEnrollments struct {
	enrollments map[string]*models.BlockEnrollment
	finalGrades map[string]*float64
	afterRetake map[string]*float64
	retakesUsed map[string]int
}

func (m *mockGradeEnrollments) FindByID(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockGradeEnrollments) ListByBlock(ctx context.Context, blockID string, status models.EnrollmentStatus) ([]models.BlockEnrollment, error) {
	var list []models.BlockEnrollment
	for _, e := range m.enrollments {
		if e.BlockID == blockID {
			list = append(list, *e)
		}
	}
	return list, nil
}

func (m *mockGradeEnrollments) UpdateGradeDerived(ctx context.Context, id string, finalGrade, finalGradeAfterRetake *float64, retakeAttemptsUsed int) error {
	if m.finalGrades == nil {
		m.finalGrades = make(map[string]*float64)
		m.afterRetake = make(map[string]*float64)
		m.retakesUsed = make(map[string]int)
	}
	m.finalGrades[id] = finalGrade
	m.afterRetake[id] = finalGradeAfterRetake
	m.retakesUsed[id] = retakeAttemptsUsed
	return nil
}

type mockUserReader struct{}

func (m *mockUserReader) FindUser(ctx context.Context, id string) (*models.User, error) {
	if id == "missing" {
		return nil, sql.ErrNoRows
	}
	return &models.User{ID: id}, nil
}

type gradeFixture struct {
	svc         *GradeService
	grades      *mockGradeRepo
	evaluations *mockEvaluationRepo
	enrollments *mockGradeEnrollments
	block       *models.EvaluableBlock
}

func newGradeFixture(scheme models.GradingScheme) *gradeFixture {
	block := &models.EvaluableBlock{
		ID:                "b1",
		EventID:           "ev1",
		Status:            models.BlockStatusGrading,
		GradingScheme:     scheme,
		MinPassingGrade:   11,
		MaxGrade:          20,
		RetakeAllowed:     true,
		MaxRetakeAttempts: 2,
	}
	grades := &mockGradeRepo{}
	evaluations := &mockEvaluationRepo{evaluations: map[string]*models.Evaluation{}}
	enrollments := &mockGradeEnrollments{enrollments: map[string]*models.BlockEnrollment{
		"e1": {ID: "e1", BlockID: "b1", AttendeeID: "a1", Status: models.EnrollmentStatusInProgress},
	}}
	blocks := &mockBlockReader{blocks: map[string]*models.EvaluableBlock{"b1": block}}
	svc := NewGradeService(grades, evaluations, enrollments, blocks, &mockUserReader{}, nil, validator.New(), zap.NewNop())
	return &gradeFixture{svc: svc, grades: grades, evaluations: evaluations, enrollments: enrollments, block: block}
}

func (f *gradeFixture) addEvaluation(id string, weight float64, maxGrade *float64, isRetake bool) {
	f.evaluations.evaluations[id] = &models.Evaluation{
		ID: id, BlockID: "b1", Title: id, Kind: models.EvaluationKindExam,
		Weight: weight, MaxGrade: maxGrade, IsRetake: isRetake, Active: true,
	}
}

func TestGradeServiceCreateEvaluationWeightCap(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeComposite)
	f.evaluations.weightSum = 70

	_, err := f.svc.CreateEvaluation(context.Background(), "b1", CreateEvaluationRequest{
		Title: "Final exam", Kind: string(models.EvaluationKindExam), Weight: 40,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	evaluation, err := f.svc.CreateEvaluation(context.Background(), "b1", CreateEvaluationRequest{
		Title: "Final exam", Kind: string(models.EvaluationKindExam), Weight: 30,
	})
	require.NoError(t, err)
	assert.True(t, evaluation.Active)
}

func TestGradeServiceRecordGradeNormalizes(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	evalMax := 10.0
	f.addEvaluation("ev1", 100, &evalMax, false)

	grade, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1", RawGrade: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, 14.0, grade.NormalizedGrade)
	assert.Equal(t, models.GradeStatusDraft, grade.Status)
	assert.Equal(t, 1, grade.AttemptNumber)
}

func TestGradeServiceRecordGradeOutOfRange(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	evalMax := 10.0
	f.addEvaluation("ev1", 100, &evalMax, false)

	_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1", RawGrade: 10.5,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestGradeServiceSimpleSchemeMean(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	f.addEvaluation("ev1", 0, nil, false)
	f.addEvaluation("ev2", 0, nil, false)

	for _, entry := range []struct {
		evaluation string
		raw        float64
	}{{"ev1", 14}, {"ev2", 16}} {
		_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
			EnrollmentID: "e1", EvaluationID: entry.evaluation, RawGrade: entry.raw, Publish: true,
		})
		require.NoError(t, err)
	}

	require.NotNil(t, f.enrollments.finalGrades["e1"])
	assert.Equal(t, 15.0, *f.enrollments.finalGrades["e1"])
}

func TestGradeServiceSimpleSchemeIgnoresDrafts(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	f.addEvaluation("ev1", 0, nil, false)

	_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1", RawGrade: 14,
	})
	require.NoError(t, err)

	err = f.svc.RecalculateFinalGrade(context.Background(), "e1")
	require.NoError(t, err)
	assert.Nil(t, f.enrollments.finalGrades["e1"])
}

func TestGradeServiceCompositePartialWeightScaling(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeComposite)
	f.addEvaluation("ev1", 40, nil, false)
	f.addEvaluation("ev2", 60, nil, false)

	// Only the 40% evaluation is graded: 16 * 0.4 scaled by 100/40 keeps 16.
	_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1", RawGrade: 16, Publish: true,
	})
	require.NoError(t, err)

	require.NotNil(t, f.enrollments.finalGrades["e1"])
	assert.Equal(t, 16.0, *f.enrollments.finalGrades["e1"])
}

func TestGradeServiceCompositeFullWeight(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeComposite)
	f.addEvaluation("ev1", 40, nil, false)
	f.addEvaluation("ev2", 60, nil, false)

	for _, entry := range []struct {
		evaluation string
		raw        float64
	}{{"ev1", 16}, {"ev2", 10}} {
		_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
			EnrollmentID: "e1", EvaluationID: entry.evaluation, RawGrade: entry.raw, Publish: true,
		})
		require.NoError(t, err)
	}

	// 16*0.4 + 10*0.6 = 12.4
	require.NotNil(t, f.enrollments.finalGrades["e1"])
	assert.Equal(t, 12.4, *f.enrollments.finalGrades["e1"])
}

func TestGradeServiceRetakeCappedAtMinPassing(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	f.addEvaluation("ev1", 0, nil, false)
	f.addEvaluation("ev1r", 0, nil, true)

	_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1", RawGrade: 8, Publish: true,
	})
	require.NoError(t, err)

	_, err = f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1r", RawGrade: 15, IsRetake: true, Publish: true,
	})
	require.NoError(t, err)

	// The retake rescues to the minimum passing grade, never above it.
	require.NotNil(t, f.enrollments.afterRetake["e1"])
	assert.Equal(t, 11.0, *f.enrollments.afterRetake["e1"])
	assert.Equal(t, 8.0, *f.enrollments.finalGrades["e1"])
	assert.Equal(t, 1, f.enrollments.retakesUsed["e1"])
}

func TestGradeServiceRetakeKeepsBetterOriginal(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	f.addEvaluation("ev1", 0, nil, false)
	f.addEvaluation("ev1r", 0, nil, true)

	_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1", RawGrade: 14, Publish: true,
	})
	require.NoError(t, err)

	_, err = f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1r", RawGrade: 9, IsRetake: true, Publish: true,
	})
	require.NoError(t, err)

	require.NotNil(t, f.enrollments.afterRetake["e1"])
	assert.Equal(t, 14.0, *f.enrollments.afterRetake["e1"])
}

func TestGradeServiceCustomFormulaApplied(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	formula := "{grade} + {attendance} / 100"
	f.block.CustomFormula = &formula
	attendance := 80.0
	f.enrollments.enrollments["e1"].AttendancePercentage = &attendance
	f.addEvaluation("ev1", 0, nil, false)

	_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1", RawGrade: 12, Publish: true,
	})
	require.NoError(t, err)

	require.NotNil(t, f.enrollments.finalGrades["e1"])
	assert.Equal(t, 12.8, *f.enrollments.finalGrades["e1"])
}

func TestGradeServiceInvalidFormulaFallsBack(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	formula := "{grade} + {hack}"
	f.block.CustomFormula = &formula
	f.addEvaluation("ev1", 0, nil, false)

	_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1", RawGrade: 12, Publish: true,
	})
	require.NoError(t, err)

	require.NotNil(t, f.enrollments.finalGrades["e1"])
	assert.Equal(t, 12.0, *f.enrollments.finalGrades["e1"])
}

func TestGradeServicePublishRequiresGradingBlock(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	f.block.Status = models.BlockStatusInProgress

	_, err := f.svc.PublishGrades(context.Background(), "b1", PublishGradesRequest{})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidState))
}

func TestGradeServicePublishRecalculatesBlock(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	f.addEvaluation("ev1", 0, nil, false)

	_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1", RawGrade: 13,
	})
	require.NoError(t, err)

	published, err := f.svc.PublishGrades(context.Background(), "b1", PublishGradesRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	require.NotNil(t, f.enrollments.finalGrades["e1"])
	assert.Equal(t, 13.0, *f.enrollments.finalGrades["e1"])
}

func TestGradeServiceEvaluationStats(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	f.addEvaluation("ev1", 0, nil, false)

	for i, raw := range []float64{10, 12, 14, 16} {
		enrollmentID := "e1"
		if i > 0 {
			enrollmentID = "x" + string(rune('0'+i))
			f.enrollments.enrollments[enrollmentID] = &models.BlockEnrollment{
				ID: enrollmentID, BlockID: "b1", Status: models.EnrollmentStatusInProgress,
			}
		}
		_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
			EnrollmentID: enrollmentID, EvaluationID: "ev1", RawGrade: raw, Publish: true,
		})
		require.NoError(t, err)
	}

	stats, err := f.svc.GetEvaluationStats(context.Background(), "ev1")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Count)
	assert.Equal(t, 13.0, stats.Average)
	assert.Equal(t, 13.0, stats.Median)
	assert.Equal(t, 10.0, stats.Min)
	assert.Equal(t, 16.0, stats.Max)
	assert.Equal(t, 3, stats.PassingCount)
	assert.Equal(t, 75.0, stats.PassingRate)
	assert.InDelta(t, 2.24, stats.StdDev, 0.01)

	require.Len(t, stats.Distribution, 5)
	assert.Equal(t, 2, stats.Distribution[2].Count)
	assert.Equal(t, 2, stats.Distribution[3].Count)
}

func TestGradeServiceRetakeAttemptsExhausted(t *testing.T) {
	f := newGradeFixture(models.GradingSchemeSimple)
	f.block.MaxRetakeAttempts = 1
	f.addEvaluation("ev1r", 0, nil, true)

	_, err := f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1r", RawGrade: 10, IsRetake: true,
	})
	require.NoError(t, err)

	_, err = f.svc.RecordGrade(context.Background(), RecordGradeRequest{
		EnrollmentID: "e1", EvaluationID: "ev1r", RawGrade: 12, IsRetake: true,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}
