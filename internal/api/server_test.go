package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	NewServer(nil).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPlanEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho()

	rec := doJSON(t, e, http.MethodGet, "/v1/plan?num_embeddings=50000&world_size=4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp PlanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PaddedVocab != 50048 || resp.PerPartition != 12512 {
		t.Fatalf("unexpected plan geometry: %+v", resp)
	}
	if len(resp.Shards) != 4 {
		t.Fatalf("expected 4 shards, got %d", len(resp.Shards))
	}
	if resp.Shards[3].OrgVocabEnd != 50000 || resp.Shards[3].OrgVocabPadding != 48 {
		t.Fatalf("unexpected last shard: %+v", resp.Shards[3])
	}
}

func TestPlanEndpointValidation(t *testing.T) {
	t.Parallel()
	e := newTestEcho()

	rec := doJSON(t, e, http.MethodGet, "/v1/plan", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing num_embeddings, got %d", rec.Code)
	}
	rec = doJSON(t, e, http.MethodGet, "/v1/plan?num_embeddings=50000&world_size=3", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for indivisible topology, got %d", rec.Code)
	}
	rec = doJSON(t, e, http.MethodGet, "/v1/plan?num_embeddings=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-integer parameter, got %d", rec.Code)
	}
}

func TestSimulateEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho()

	rec := doJSON(t, e, http.MethodPost, "/v1/simulate",
		`{"num_embeddings":256,"embedding_dim":8,"world_size":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp SimulateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("expected a run id")
	}
	if resp.Result == nil || !resp.Result.EmbeddingExact || !resp.Result.LogitsExact {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}
}

func TestSimulateEndpointRejectsBadBody(t *testing.T) {
	t.Parallel()
	e := newTestEcho()

	rec := doJSON(t, e, http.MethodPost, "/v1/simulate", `{"world_size":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for truncated body, got %d", rec.Code)
	}
	rec = doJSON(t, e, http.MethodPost, "/v1/simulate",
		`{"num_embeddings":256,"embedding_dim":8,"world_size":2,"parallelism":"bogus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown parallelism, got %d", rec.Code)
	}
}
