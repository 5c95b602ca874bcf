package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/event-cert-api/internal/service"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
	"github.com/noah-isme/event-cert-api/pkg/response"
)

// GradeHandler exposes evaluation and grade endpoints.
type GradeHandler struct {
	grades *service.GradeService
}

// NewGradeHandler constructs handler.
func NewGradeHandler(grades *service.GradeService) *GradeHandler {
	return &GradeHandler{grades: grades}
}

// CreateEvaluation godoc
// @Summary Add a gradable evaluation to a block
// @Tags Grades
// @Accept json
// @Produce json
// @Param id path string true "Block ID"
// @Param payload body service.CreateEvaluationRequest true "Evaluation payload"
// @Success 201 {object} response.Envelope
// @Router /blocks/{id}/evaluations [post]
func (h *GradeHandler) CreateEvaluation(c *gin.Context) {
	var req service.CreateEvaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	evaluation, err := h.grades.CreateEvaluation(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, evaluation)
}

// Record godoc
// @Summary Record one participant grade
// @Tags Grades
// @Accept json
// @Produce json
// @Param payload body service.RecordGradeRequest true "Grade payload"
// @Success 200 {object} response.Envelope
// @Router /grades [post]
func (h *GradeHandler) Record(c *gin.Context) {
	var req service.RecordGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	grade, err := h.grades.RecordGrade(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, grade, nil)
}

// BatchRecord godoc
// @Summary Record grades for many enrollments of an evaluation
// @Tags Grades
// @Accept json
// @Produce json
// @Param evaluationId path string true "Evaluation ID"
// @Param payload body []service.BatchGradeEntry true "Batch payload"
// @Success 200 {object} response.Envelope
// @Router /evaluations/{evaluationId}/grades/batch [post]
func (h *GradeHandler) BatchRecord(c *gin.Context) {
	var entries []service.BatchGradeEntry
	if err := c.ShouldBindJSON(&entries); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.grades.BatchRecordGrades(c.Request.Context(), c.Param("evaluationId"), entries)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Publish godoc
// @Summary Publish draft grades of a block
// @Tags Grades
// @Accept json
// @Produce json
// @Param id path string true "Block ID"
// @Param payload body service.PublishGradesRequest false "Optional evaluation scope"
// @Success 200 {object} response.Envelope
// @Router /blocks/{id}/grades/publish [post]
func (h *GradeHandler) Publish(c *gin.Context) {
	var req service.PublishGradesRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	published, err := h.grades.PublishGrades(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"published": published}, nil)
}

// Recalculate godoc
// @Summary Recalculate the final grade of an enrollment
// @Tags Grades
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/grades/recalculate [post]
func (h *GradeHandler) Recalculate(c *gin.Context) {
	if err := h.grades.RecalculateFinalGrade(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"status": "recalculated"}, nil)
}

// Stats godoc
// @Summary Aggregate published grades of an evaluation
// @Tags Grades
// @Produce json
// @Param evaluationId path string true "Evaluation ID"
// @Success 200 {object} response.Envelope
// @Router /evaluations/{evaluationId}/stats [get]
func (h *GradeHandler) Stats(c *gin.Context) {
	stats, err := h.grades.GetEvaluationStats(c.Request.Context(), c.Param("evaluationId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}
