package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/event-cert-api/internal/service"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
	"github.com/noah-isme/event-cert-api/pkg/response"
)

// AttendanceHandler exposes attendance recording endpoints.
type AttendanceHandler struct {
	attendances *service.AttendanceService
}

// NewAttendanceHandler constructs handler.
func NewAttendanceHandler(attendances *service.AttendanceService) *AttendanceHandler {
	return &AttendanceHandler{attendances: attendances}
}

type ticketRequest struct {
	TicketCode string `json:"ticket_code" binding:"required"`
}

// Record godoc
// @Summary Record attendance for a session
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body service.RecordAttendanceRequest true "Attendance payload"
// @Success 200 {object} response.Envelope
// @Router /attendance [post]
func (h *AttendanceHandler) Record(c *gin.Context) {
	var req service.RecordAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	attendance, err := h.attendances.Record(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, attendance, nil)
}

// BatchRecord godoc
// @Summary Record attendance for many attendees of a session
// @Tags Attendance
// @Accept json
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param payload body []service.BatchAttendanceEntry true "Batch payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{sessionId}/attendance/batch [post]
func (h *AttendanceHandler) BatchRecord(c *gin.Context) {
	var entries []service.BatchAttendanceEntry
	if err := c.ShouldBindJSON(&entries); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.attendances.BatchRecord(c.Request.Context(), c.Param("sessionId"), entries)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// CheckIn godoc
// @Summary Check an attendee into a session by ticket code
// @Tags Attendance
// @Accept json
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param payload body ticketRequest true "Ticket payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{sessionId}/check-in [post]
func (h *AttendanceHandler) CheckIn(c *gin.Context) {
	var req ticketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	attendance, err := h.attendances.CheckIn(c.Request.Context(), c.Param("sessionId"), req.TicketCode)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, attendance, nil)
}

// CheckOut godoc
// @Summary Check an attendee out of a session by ticket code
// @Tags Attendance
// @Accept json
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param payload body ticketRequest true "Ticket payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{sessionId}/check-out [post]
func (h *AttendanceHandler) CheckOut(c *gin.Context) {
	var req ticketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	attendance, err := h.attendances.CheckOut(c.Request.Context(), c.Param("sessionId"), req.TicketCode)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, attendance, nil)
}

// RecordVirtualConnection godoc
// @Summary Record a virtual connection interval for a session attendee
// @Tags Attendance
// @Accept json
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param payload body service.RecordVirtualConnectionRequest true "Connection interval"
// @Success 200 {object} response.Envelope
// @Router /sessions/{sessionId}/virtual-connections [post]
func (h *AttendanceHandler) RecordVirtualConnection(c *gin.Context) {
	var req service.RecordVirtualConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.SessionID = c.Param("sessionId")
	attendance, err := h.attendances.RecordVirtualConnection(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, attendance, nil)
}

// ListForEnrollment godoc
// @Summary List the attendance ledger of an enrollment
// @Tags Attendance
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/attendance [get]
func (h *AttendanceHandler) ListForEnrollment(c *gin.Context) {
	rows, err := h.attendances.ListForEnrollment(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rows, nil)
}

// Recalculate godoc
// @Summary Recalculate the attendance percentage of an enrollment
// @Tags Attendance
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/attendance/recalculate [post]
func (h *AttendanceHandler) Recalculate(c *gin.Context) {
	if err := h.attendances.RecalculatePercentage(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"status": "recalculated"}, nil)
}
