package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/semspace/internal/config"
	"github.com/scrypster/semspace/internal/engine"
	"github.com/scrypster/semspace/internal/index"
	"github.com/scrypster/semspace/internal/llm"
	"github.com/scrypster/semspace/internal/store"
)

// stubGenerator answers extraction prompts with a fixed structure, fails
// merge and summary prompts so the deterministic fallbacks run, and echoes
// answer prompts.
type stubGenerator struct{}

func (stubGenerator) Complete(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "semantic extraction expert"):
		return `{"mentions":[{"name":"李四","role":"訪客","location":"信義區","time_start":"2023-01-15 15:00"}]}`, nil
	case strings.Contains(prompt, "memory reconciliation expert"),
		strings.Contains(prompt, "Summarize what is currently known"):
		return "", errors.New("capability offline")
	default:
		return prompt, nil
	}
}

func (stubGenerator) GetModel() string { return "stub" }

// unhealthyGenerator reports an unreachable provider from its health probe.
type unhealthyGenerator struct {
	stubGenerator
}

func (unhealthyGenerator) HealthCheck(context.Context) error {
	return errors.New("provider unreachable")
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 16)
	for _, r := range text {
		vec[int(r)%16]++
	}
	return vec, nil
}

func (stubEmbedder) GetModel() string { return "stub-embed" }

func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestAPIWithGenerator(t, stubGenerator{})
}

func newTestAPIWithGenerator(t *testing.T, gen llm.TextGenerator) *API {
	t.Helper()

	dir := t.TempDir()
	ws, err := store.NewWorkspaceStore(filepath.Join(dir, "workspace.json"))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := index.NewSQLiteIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	cfg := &config.Config{}
	cfg.Retrieval = config.RetrievalConfig{TopK: 5, SimilarityThreshold: 0.05, MaxContextTokens: 2048}
	cfg.Reconcile.FallbackMerge = true

	sys, err := engine.NewSystem(ws, idx, gen, stubEmbedder{}, llm.NewRetryer(1, time.Millisecond), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return NewAPI(sys)
}

func TestHandleIngest(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(`{"text":"李四在信義區"}`))
	rec := httptest.NewRecorder()
	api.HandleIngest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Version         uint64   `json:"version"`
		ChangedEntities []string `json:"changed_entities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp.Version != 1 {
		t.Errorf("version = %d, want 1", resp.Version)
	}
	if len(resp.ChangedEntities) != 1 {
		t.Errorf("changed entities = %v", resp.ChangedEntities)
	}
}

func TestHandleIngestValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"missing text", http.MethodPost, `{}`, http.StatusBadRequest},
		{"invalid JSON", http.MethodPost, `{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/ingest", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			api.HandleIngest(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandleQueryAndWorkspace(t *testing.T) {
	api := newTestAPI(t)

	ingest := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(`{"text":"李四在信義區"}`))
	api.HandleIngest(httptest.NewRecorder(), ingest)

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"query":"李四在哪裡？"}`))
	rec := httptest.NewRecorder()
	api.HandleQuery(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var qr struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &qr); err != nil {
		t.Fatal(err)
	}
	if qr.Answer == "" {
		t.Error("empty answer")
	}

	wreq := httptest.NewRequest(http.MethodGet, "/api/workspace", nil)
	wrec := httptest.NewRecorder()
	api.HandleWorkspace(wrec, wreq)
	if wrec.Code != http.StatusOK {
		t.Fatalf("workspace status = %d", wrec.Code)
	}
	if !strings.Contains(wrec.Body.String(), "李四") {
		t.Error("workspace response missing ingested entity")
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestHandleHealthDegraded(t *testing.T) {
	api := newTestAPIWithGenerator(t, unhealthyGenerator{})

	rec := httptest.NewRecorder()
	api.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, degraded health must still answer 200", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
	if resp["capability"] != "provider unreachable" {
		t.Errorf("capability = %v", resp["capability"])
	}
}

func TestRequireAuthProduction(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.SecurityMode = "production"
	cfg.Security.APIToken = "secret-token"

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireAuth(next, cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}
}

func TestRequireAuthDevelopment(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.SecurityMode = "development"

	handler := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), cfg)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("development mode status = %d, want 200", rec.Code)
	}
}
