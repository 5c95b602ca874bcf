package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/event-cert-api/internal/models"
	"github.com/noah-isme/event-cert-api/internal/service"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
	"github.com/noah-isme/event-cert-api/pkg/response"
)

// BlockHandler exposes evaluable block endpoints.
type BlockHandler struct {
	blocks *service.BlockService
}

// NewBlockHandler constructs handler.
func NewBlockHandler(blocks *service.BlockService) *BlockHandler {
	return &BlockHandler{blocks: blocks}
}

// Create godoc
// @Summary Create an evaluable block
// @Tags Blocks
// @Accept json
// @Produce json
// @Param payload body service.CreateBlockRequest true "Block payload"
// @Success 201 {object} response.Envelope
// @Router /blocks [post]
func (h *BlockHandler) Create(c *gin.Context) {
	var req service.CreateBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	block, err := h.blocks.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, block)
}

// Get godoc
// @Summary Get a block by ID
// @Tags Blocks
// @Produce json
// @Param id path string true "Block ID"
// @Success 200 {object} response.Envelope
// @Router /blocks/{id} [get]
func (h *BlockHandler) Get(c *gin.Context) {
	block, err := h.blocks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, block, nil)
}

// List godoc
// @Summary List blocks
// @Tags Blocks
// @Produce json
// @Param eventId query string false "Filter by event"
// @Param status query string false "Filter by status"
// @Param page query int false "Page number"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /blocks [get]
func (h *BlockHandler) List(c *gin.Context) {
	filter := models.BlockFilter{
		EventID:   c.Query("eventId"),
		Status:    models.BlockStatus(c.Query("status")),
		Page:      queryInt(c, "page"),
		PageSize:  queryInt(c, "pageSize"),
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
	}
	blocks, pagination, err := h.blocks.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, blocks, pagination)
}

// Transition godoc
// @Summary Transition a block's lifecycle status
// @Tags Blocks
// @Accept json
// @Produce json
// @Param id path string true "Block ID"
// @Param payload body service.TransitionBlockRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Router /blocks/{id}/transition [post]
func (h *BlockHandler) Transition(c *gin.Context) {
	var req service.TransitionBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	block, err := h.blocks.Transition(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, block, nil)
}

func queryInt(c *gin.Context, key string) int {
	value, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return value
}
