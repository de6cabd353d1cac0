package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/scrypster/semspace/internal/engine"
)

// API handles the JSON endpoints of the serve surface.
type API struct {
	system *engine.System
}

// NewAPI creates the handler set over a running system.
func NewAPI(system *engine.System) *API {
	return &API{system: system}
}

type ingestRequest struct {
	Text string `json:"text"`
}

type ingestResponse struct {
	Version          uint64   `json:"version"`
	ChangedEntities  []string `json:"changed_entities"`
	SummariesUpdated int      `json:"summaries_updated"`
	Fallback         bool     `json:"fallback,omitempty"`
	PersistWarning   string   `json:"persist_warning,omitempty"`
}

// HandleIngest processes POST /api/ingest: run one ingestion cycle over the
// submitted text.
func (a *API) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	report, err := a.system.ProcessText(r.Context(), req.Text)
	if err != nil {
		log.Printf("ERROR: ingest failed: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := ingestResponse{
		Version:          report.Version,
		ChangedEntities:  report.ChangedEntities,
		SummariesUpdated: report.SummariesUpdated,
		Fallback:         report.Fallback,
	}
	if report.PersistWarning != nil {
		resp.PersistWarning = report.PersistWarning.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Answer string `json:"answer"`
}

// HandleQuery processes POST /api/query: answer a natural-language question.
func (a *API) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	answer, err := a.system.Query(r.Context(), req.Query)
	if err != nil {
		log.Printf("ERROR: query failed: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{Answer: answer})
}

// HandleWorkspace processes GET /api/workspace: return the committed
// workspace snapshot.
func (a *API) HandleWorkspace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, a.system.Store().Current())
}

// HandleHealth processes GET /api/health. The status degrades when the
// generative capability is unreachable; the endpoint itself still returns
// 200 so load balancers keep routing to the API.
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": a.system.Store().Version(),
	}
	if err := a.system.Health(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["capability"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ERROR: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
