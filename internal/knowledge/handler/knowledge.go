// Package handler provides HTTP handlers for the knowledge service.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/courseatlas/internal/knowledge/biz"
	"github.com/kart-io/courseatlas/internal/model"
)

// KnowledgeHandler handles knowledge HTTP requests.
type KnowledgeHandler struct {
	service biz.KnowledgeService
}

// NewKnowledgeHandler creates a new KnowledgeHandler.
func NewKnowledgeHandler(service biz.KnowledgeService) *KnowledgeHandler {
	return &KnowledgeHandler{service: service}
}

// SuccessResponse is a standard success response.
type SuccessResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// IngestRequest represents an ingestion request.
type IngestRequest struct {
	Records model.IngestBatch `json:"records" binding:"required"`
}

// Ingest runs one ingestion batch.
func (h *KnowledgeHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	for kind := range req.Records {
		if !kind.Valid() {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: "unknown source kind: " + string(kind)})
			return
		}
	}

	report, err := h.service.Ingest(c.Request.Context(), req.Records)
	if err != nil {
		if errors.Is(err, biz.ErrEmbeddingService) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: 503, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "Ingestion run complete", Data: report})
}

// Query retrieves ranked passages for a query.
func (h *KnowledgeHandler) Query(c *gin.Context) {
	var req model.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	resp, err := h.service.Query(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, biz.ErrIndexInconsistency) {
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{Code: status, Message: err.Error()})
		return
	}

	if resp.Status == model.RetrievalUnavailable {
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Context assembles a prompt payload for the generation handoff.
func (h *KnowledgeHandler) Context(c *gin.Context) {
	var req model.ContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	payload, err := h.service.Context(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, biz.ErrIndexInconsistency) {
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{Code: status, Message: err.Error()})
		return
	}

	if payload.Status == model.RetrievalUnavailable {
		c.JSON(http.StatusServiceUnavailable, payload)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// Stats reports index, cache, and business metrics.
func (h *KnowledgeHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "ok", Data: stats})
}

// Quarantine lists quarantined records.
func (h *KnowledgeHandler) Quarantine(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)

	rows, err := h.service.Quarantined(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "ok", Data: rows})
}

// RequeueRequest selects quarantined records to re-resolve.
type RequeueRequest struct {
	IDs []uint `json:"ids" binding:"required"`
}

// Requeue pulls quarantined records back through the pipeline.
func (h *KnowledgeHandler) Requeue(c *gin.Context) {
	var req RequeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	report, err := h.service.Requeue(c.Request.Context(), req.IDs)
	if err != nil {
		if errors.Is(err, biz.ErrEmbeddingService) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Code: 503, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "Requeue run complete", Data: report})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
