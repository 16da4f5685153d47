package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/animus-labs/agent-gateway/internal/automation"
)

func (api *gatewayAPI) registerAutomations(mux *http.ServeMux) {
	mux.HandleFunc("POST /automations", api.handleCreateAutomation)
	mux.HandleFunc("GET /automations", api.handleListAutomations)
	mux.HandleFunc("GET /automations/{automation_id}", api.handleGetAutomation)
	mux.HandleFunc("DELETE /automations/{automation_id}", api.handleDeleteAutomation)
	mux.HandleFunc("POST /automations/{automation_id}/pause", api.handlePauseAutomation)
	mux.HandleFunc("POST /automations/{automation_id}/resume", api.handleResumeAutomation)
	mux.HandleFunc("GET /automations/{automation_id}/runs", api.handleListAutomationRuns)
}

type createAutomationRequest struct {
	AgentID     string          `json:"agent_id,omitempty"`
	AssistantID string          `json:"assistant_id,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Frequency   string          `json:"frequency"`
	TimeOfDay   string          `json:"time_of_day,omitempty"`
	DayOfWeek   *int            `json:"day_of_week,omitempty"`
	DayOfMonth  *int            `json:"day_of_month,omitempty"`
	Paused      bool            `json:"paused,omitempty"`
}

func (api *gatewayAPI) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var req createAutomationRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input", "request body: "+err.Error())
		return
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = strings.TrimSpace(req.AssistantID)
	}
	if isJSONNull(req.Input) {
		req.Input = nil
	}
	if req.Input != nil && !isJSONObject(req.Input) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input", "input must be a JSON object")
		return
	}

	created, err := api.automations.Create(r.Context(), automation.Automation{
		AgentID:    agentID,
		Input:      req.Input,
		Config:     req.Config,
		Frequency:  automation.Frequency(req.Frequency),
		TimeOfDay:  req.TimeOfDay,
		DayOfWeek:  req.DayOfWeek,
		DayOfMonth: req.DayOfMonth,
		Paused:     req.Paused,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/automations/"+created.ID)
	api.writeJSON(w, http.StatusCreated, created)
}

func (api *gatewayAPI) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	items, err := api.automations.List(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []automation.Automation{}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"automations": items})
}

func (api *gatewayAPI) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := api.automations.Get(r.Context(), r.PathValue("automation_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, a)
}

func (api *gatewayAPI) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := api.automations.Delete(r.Context(), strings.TrimSpace(r.PathValue("automation_id"))); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *gatewayAPI) handlePauseAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := api.automations.Pause(r.Context(), strings.TrimSpace(r.PathValue("automation_id")))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, a)
}

func (api *gatewayAPI) handleResumeAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := api.automations.Resume(r.Context(), strings.TrimSpace(r.PathValue("automation_id")))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, a)
}

func (api *gatewayAPI) handleListAutomationRuns(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("automation_id"))
	ids, err := api.automations.Runs(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"automation_id": id, "run_ids": ids})
}
