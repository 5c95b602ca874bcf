package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/event-cert-api/internal/service"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
	"github.com/noah-isme/event-cert-api/pkg/response"
)

// StreamingHandler exposes virtual session access endpoints.
type StreamingHandler struct {
	streaming *service.StreamingService
}

// NewStreamingHandler constructs handler.
func NewStreamingHandler(streaming *service.StreamingService) *StreamingHandler {
	return &StreamingHandler{streaming: streaming}
}

type generateTokenRequest struct {
	AttendeeID string `json:"attendee_id" binding:"required"`
}

type connectRequest struct {
	Platform *string `json:"platform"`
}

// GenerateToken godoc
// @Summary Issue a streaming access token for a session
// @Tags Streaming
// @Accept json
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param payload body generateTokenRequest true "Attendee payload"
// @Success 201 {object} response.Envelope
// @Router /sessions/{sessionId}/streaming/token [post]
func (h *StreamingHandler) GenerateToken(c *gin.Context) {
	var req generateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	grant, err := h.streaming.GenerateToken(c.Request.Context(), c.Param("sessionId"), req.AttendeeID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, grant)
}

// ValidateToken godoc
// @Summary Validate a streaming access token
// @Tags Streaming
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /streaming/validate [get]
func (h *StreamingHandler) ValidateToken(c *gin.Context) {
	validation, err := h.streaming.ValidateToken(c.Request.Context(), bearerToken(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, validation, nil)
}

// Connect godoc
// @Summary Open a streaming connection
// @Tags Streaming
// @Accept json
// @Produce json
// @Param payload body connectRequest false "Connection payload"
// @Success 200 {object} response.Envelope
// @Router /streaming/connect [post]
func (h *StreamingHandler) Connect(c *gin.Context) {
	var req connectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	state, err := h.streaming.RegisterConnection(c.Request.Context(), bearerToken(c), c.ClientIP(), req.Platform)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state, nil)
}

// Disconnect godoc
// @Summary Close the open streaming connection from this address
// @Tags Streaming
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /streaming/disconnect [post]
func (h *StreamingHandler) Disconnect(c *gin.Context) {
	state, err := h.streaming.Disconnect(c.Request.Context(), bearerToken(c), c.ClientIP())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state, nil)
}

// Connections godoc
// @Summary List streaming connections of an attendee in a session
// @Tags Streaming
// @Produce json
// @Param sessionId path string true "Session ID"
// @Param attendeeId query string true "Attendee ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{sessionId}/streaming/connections [get]
func (h *StreamingHandler) Connections(c *gin.Context) {
	attendeeID := c.Query("attendeeId")
	if attendeeID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "attendeeId is required"))
		return
	}
	state, err := h.streaming.GetConnections(c.Request.Context(), c.Param("sessionId"), attendeeID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state, nil)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}
