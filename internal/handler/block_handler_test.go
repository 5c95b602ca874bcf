package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/event-cert-api/internal/models"
	"github.com/noah-isme/event-cert-api/internal/service"
)

type fakeBlockRepo struct {
	blocks map[string]*models.EvaluableBlock
}

func (f *fakeBlockRepo) Create(ctx context.Context, block *models.EvaluableBlock) error {
	if block.ID == "" {
		block.ID = fmt.Sprintf("blk-%d", len(f.blocks)+1)
	}
	f.blocks[block.ID] = block
	return nil
}

func (f *fakeBlockRepo) FindByID(ctx context.Context, id string) (*models.EvaluableBlock, error) {
	if b, ok := f.blocks[id]; ok {
		return b, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeBlockRepo) List(ctx context.Context, filter models.BlockFilter) ([]models.EvaluableBlock, int, error) {
	var list []models.EvaluableBlock
	for _, b := range f.blocks {
		list = append(list, *b)
	}
	return list, len(list), nil
}

func (f *fakeBlockRepo) UpdateStatus(ctx context.Context, id string, from, to models.BlockStatus) (bool, error) {
	b, ok := f.blocks[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	return true, nil
}

type fakeEventReader struct{}

func (f *fakeEventReader) FindEvent(ctx context.Context, id string) (*models.Event, error) {
	if id == "missing" {
		return nil, sql.ErrNoRows
	}
	return &models.Event{ID: id}, nil
}

func buildBlockRouter(repo *fakeBlockRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := service.NewBlockService(repo, &fakeEventReader{}, nil, nil)
	h := NewBlockHandler(svc)

	router := gin.New()
	router.POST("/blocks", h.Create)
	router.GET("/blocks", h.List)
	router.GET("/blocks/:id", h.Get)
	router.POST("/blocks/:id/transition", h.Transition)
	return router
}

func performRequest(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func blockPayload(overrides map[string]interface{}) []byte {
	payload := map[string]interface{}{
		"event_id":                  "evt-1",
		"title":                     "Advanced Go",
		"grading_scheme":            "SIMPLE",
		"min_passing_grade":         11,
		"max_grade":                 20,
		"min_attendance_percentage": 75,
		"enrollment_start_at":       time.Now().UTC().Format(time.RFC3339),
		"enrollment_end_at":         time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
		"delivery_start_at":         time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339),
		"delivery_end_at":           time.Now().UTC().Add(96 * time.Hour).Format(time.RFC3339),
	}
	for k, v := range overrides {
		payload[k] = v
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestBlockRoutes(t *testing.T) {
	repo := &fakeBlockRepo{blocks: map[string]*models.EvaluableBlock{}}
	router := buildBlockRouter(repo)

	t.Run("create success", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "/blocks", bytes.NewBuffer(blockPayload(nil)))
		req.Header.Set("Content-Type", "application/json")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusCreated, resp.Code)
		require.Contains(t, resp.Body.String(), `"status":"DRAFT"`)
	})

	t.Run("create rejects inverted grade bounds", func(t *testing.T) {
		body := blockPayload(map[string]interface{}{"min_passing_grade": 25})
		req, _ := http.NewRequest(http.MethodPost, "/blocks", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("create rejects unknown event", func(t *testing.T) {
		body := blockPayload(map[string]interface{}{"event_id": "missing"})
		req, _ := http.NewRequest(http.MethodPost, "/blocks", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("get not found", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/blocks/nope", nil)
		resp := performRequest(router, req)
		require.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("list returns pagination meta", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/blocks?page=1&pageSize=10", nil)
		resp := performRequest(router, req)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Contains(t, resp.Body.String(), `"total_count"`)
	})

	t.Run("transition follows lifecycle", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "/blocks/blk-1/transition", bytes.NewBufferString(`{"status":"OPEN"}`))
		req.Header.Set("Content-Type", "application/json")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Contains(t, resp.Body.String(), `"status":"OPEN"`)
	})

	t.Run("transition rejects illegal move", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "/blocks/blk-1/transition", bytes.NewBufferString(`{"status":"COMPLETED"}`))
		req.Header.Set("Content-Type", "application/json")
		resp := performRequest(router, req)
		require.Equal(t, http.StatusConflict, resp.Code)
	})
}
