package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/courseatlas/internal/knowledge/biz"
	"github.com/kart-io/courseatlas/internal/knowledge/store"
	"github.com/kart-io/courseatlas/internal/model"
)

// stubService fakes the knowledge service for handler tests.
type stubService struct {
	ingestReport model.IngestReport
	ingestErr    error
	queryResp    model.QueryResponse
	queryErr     error
	payload      model.PromptPayload
	stats        map[string]any
	quarantined  []store.QuarantinedRecord
	requeueIDs   []uint
}

var _ biz.KnowledgeService = (*stubService)(nil)

func (s *stubService) Ingest(context.Context, model.IngestBatch) (model.IngestReport, error) {
	return s.ingestReport, s.ingestErr
}

func (s *stubService) Query(context.Context, model.QueryRequest) (model.QueryResponse, error) {
	return s.queryResp, s.queryErr
}

func (s *stubService) Context(context.Context, model.ContextRequest) (model.PromptPayload, error) {
	return s.payload, s.queryErr
}

func (s *stubService) Stats(context.Context) (map[string]any, error) {
	return s.stats, nil
}

func (s *stubService) Quarantined(context.Context, int, int) ([]store.QuarantinedRecord, error) {
	return s.quarantined, nil
}

func (s *stubService) Requeue(_ context.Context, ids []uint) (model.IngestReport, error) {
	s.requeueIDs = ids
	return s.ingestReport, s.ingestErr
}

func newTestRouter(svc biz.KnowledgeService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	h := NewKnowledgeHandler(svc)
	engine.POST("/v1/ingest", h.Ingest)
	engine.POST("/v1/query", h.Query)
	engine.POST("/v1/context", h.Context)
	engine.GET("/v1/stats", h.Stats)
	engine.GET("/v1/quarantine", h.Quarantine)
	engine.POST("/v1/quarantine/requeue", h.Requeue)
	return engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestIngestHandler(t *testing.T) {
	svc := &stubService{
		ingestReport: model.IngestReport{RunID: "01JX", Received: 2, Indexed: 2},
	}
	engine := newTestRouter(svc)

	w := doJSON(t, engine, http.MethodPost, "/v1/ingest", IngestRequest{
		Records: model.IngestBatch{
			model.SourceCatalog: {{Kind: model.SourceCatalog, SourceID: "c1"}},
		},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Code)
}

func TestIngestHandlerRejectsUnknownKind(t *testing.T) {
	engine := newTestRouter(&stubService{})

	w := doJSON(t, engine, http.MethodPost, "/v1/ingest", map[string]any{
		"records": map[string]any{
			"wiki": []any{},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestHandlerMalformedBody(t *testing.T) {
	engine := newTestRouter(&stubService{})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryHandlerOK(t *testing.T) {
	svc := &stubService{
		queryResp: model.QueryResponse{
			Status: model.RetrievalOK,
			Passages: []model.RetrievedPassage{
				{ID: "p1", SourceKind: model.SourceReview, Body: "clear lectures", Score: 0.9},
			},
		},
	}
	engine := newTestRouter(svc)

	w := doJSON(t, engine, http.MethodPost, "/v1/query", model.QueryRequest{QueryText: "quality"})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp model.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.RetrievalOK, resp.Status)
	require.Len(t, resp.Passages, 1)
	assert.Equal(t, "p1", resp.Passages[0].ID)
}

func TestQueryHandlerRequiresQueryText(t *testing.T) {
	engine := newTestRouter(&stubService{})

	w := doJSON(t, engine, http.MethodPost, "/v1/query", map[string]any{"k": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryHandlerUnavailableMapsTo503(t *testing.T) {
	svc := &stubService{
		queryResp: model.QueryResponse{
			Status:   model.RetrievalUnavailable,
			Passages: []model.RetrievedPassage{},
		},
	}
	engine := newTestRouter(svc)

	w := doJSON(t, engine, http.MethodPost, "/v1/query", model.QueryRequest{QueryText: "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp model.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.RetrievalUnavailable, resp.Status)
}

func TestQueryHandlerVersionMismatchMapsTo409(t *testing.T) {
	svc := &stubService{queryErr: biz.ErrIndexInconsistency}
	engine := newTestRouter(svc)

	w := doJSON(t, engine, http.MethodPost, "/v1/query", model.QueryRequest{QueryText: "anything"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestContextHandler(t *testing.T) {
	svc := &stubService{
		payload: model.PromptPayload{
			Status:     model.RetrievalOK,
			TokenCount: 12,
			PromptPassages: []model.PromptPassage{
				{Body: "passage body", Provenance: model.Provenance{SourceKind: model.SourceEval, SourceID: "e1"}},
			},
		},
	}
	engine := newTestRouter(svc)

	w := doJSON(t, engine, http.MethodPost, "/v1/context", model.ContextRequest{QueryText: "gpa", TokenBudget: 100})
	assert.Equal(t, http.StatusOK, w.Code)

	var payload model.PromptPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, 12, payload.TokenCount)
	require.Len(t, payload.PromptPassages, 1)
	assert.Equal(t, "e1", payload.PromptPassages[0].Provenance.SourceID)
}

func TestStatsHandler(t *testing.T) {
	svc := &stubService{stats: map[string]any{"index": map[string]any{"passages": 3}}}
	engine := newTestRouter(svc)

	w := doJSON(t, engine, http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQuarantineHandler(t *testing.T) {
	svc := &stubService{
		quarantined: []store.QuarantinedRecord{
			{ID: 1, RunID: "01JX", Kind: "review", SourceID: "rmp-9", Reason: "course not in catalog"},
		},
	}
	engine := newTestRouter(svc)

	w := doJSON(t, engine, http.MethodGet, "/v1/quarantine?limit=10", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	rows, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, rows, 1)
}

func TestRequeueHandler(t *testing.T) {
	svc := &stubService{
		ingestReport: model.IngestReport{RunID: "01JY", Received: 2, Indexed: 1, Quarantined: 1},
	}
	engine := newTestRouter(svc)

	w := doJSON(t, engine, http.MethodPost, "/v1/quarantine/requeue", RequeueRequest{IDs: []uint{3, 7}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uint{3, 7}, svc.requeueIDs)
}

func TestRequeueHandlerRequiresIDs(t *testing.T) {
	engine := newTestRouter(&stubService{})

	w := doJSON(t, engine, http.MethodPost, "/v1/quarantine/requeue", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
