package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/patchpilot/patchpilot/internal/artifact"
	"github.com/patchpilot/patchpilot/internal/engine"
	"github.com/patchpilot/patchpilot/internal/registry"
)

// ---- wire models ----

type createRunRequest struct {
	Title     string `json:"title"`
	Ticket    string `json:"ticket"`
	Workspace string `json:"workspace"`
	Patcher   string `json:"patcher"`
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

type runView struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Ticket     string `json:"ticket"`
	Workspace  string `json:"workspace"`
	Patcher    string `json:"patcher"`
	Status     string `json:"status"`
	Decision   string `json:"decision"`
	RegenCount int    `json:"regen_count"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type stepView struct {
	Ordinal    int    `json:"ordinal"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type artifactView struct {
	ID          string `json:"id"`
	StepOrdinal int    `json:"step_ordinal"`
	Kind        string `json:"kind"`
	Digest      string `json:"digest"`
	CreatedAt   string `json:"created_at"`
}

type runDetail struct {
	runView
	Steps []stepView `json:"steps"`
}

type errorBody struct {
	Error string `json:"error"`
}

func toRunView(run *registry.Run) runView {
	return runView{
		ID:         run.ID,
		Title:      run.Title,
		Ticket:     run.Ticket,
		Workspace:  run.Workspace,
		Patcher:    run.Patcher,
		Status:     run.Status,
		Decision:   run.Decision,
		RegenCount: run.RegenCount,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	}
}

func toStepViews(steps []registry.Step) []stepView {
	out := make([]stepView, len(steps))
	for i, s := range steps {
		out[i] = stepView{
			Ordinal:    s.Ordinal,
			Name:       s.Name,
			Status:     s.Status,
			Summary:    s.Summary,
			Error:      s.Error,
			StartedAt:  s.StartedAt,
			FinishedAt: s.FinishedAt,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine and registry errors onto HTTP statuses: unknown
// rows are 404, operations invalid for the run's current state are 409.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// ---- handlers ----

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.reg.ListRuns(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]runView, len(runs))
	for i := range runs {
		views[i] = toRunView(&runs[i])
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}
	run, err := s.eng.Create(req.Title, req.Ticket, req.Workspace, req.Patcher)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, toRunView(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.reg.GetRun(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.reg.ListSteps(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runDetail{runView: toRunView(run), Steps: toStepViews(steps)})
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := s.reg.GetRun(runID); err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.reg.ListSteps(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStepViews(steps))
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := s.reg.GetRun(runID); err != nil {
		writeError(w, err)
		return
	}
	arts, err := s.reg.ListArtifacts(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]artifactView, len(arts))
	for i, a := range arts {
		views[i] = artifactView{
			ID:          a.ID,
			StepOrdinal: a.StepOrdinal,
			Kind:        string(a.Kind),
			Digest:      a.Digest,
			CreatedAt:   a.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request, runID, artifactID string) {
	art, err := s.reg.GetArtifact(artifactID)
	if err != nil {
		writeError(w, err)
		return
	}
	if art.RunID != runID {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "artifact does not belong to run"})
		return
	}
	data, err := s.blobs.Read(art.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

// handleSignals serves the latest extracted signal set as stored, already
// JSON, so it passes through verbatim.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := s.reg.GetRun(runID); err != nil {
		writeError(w, err)
		return
	}
	art, err := s.reg.LatestArtifact(runID, artifact.KindSignals)
	if err != nil {
		writeError(w, err)
		return
	}
	if art == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	data, err := s.blobs.Read(art.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, runID, action string) {
	var err error
	switch action {
	case "start":
		err = s.eng.Start(runID)
	case "decision":
		var req decisionRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + derr.Error()})
			return
		}
		decision := normalizeDecision(req.Decision)
		if decision == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "decision must be approve or reject"})
			return
		}
		err = s.eng.Decide(runID, decision)
	case "regenerate":
		err = s.eng.Regenerate(runID)
	case "retry":
		err = s.eng.Retry(runID)
	case "cancel":
		err = s.eng.Cancel(runID)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.reg.GetRun(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

// normalizeDecision accepts both the imperative ("approve") and the stored
// ("approved") forms. Returns "" for anything else.
func normalizeDecision(d string) string {
	switch d {
	case "approve", registry.DecisionApproved:
		return registry.DecisionApproved
	case "reject", registry.DecisionRejected:
		return registry.DecisionRejected
	}
	return ""
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request, runID string) {
	if err := s.eng.Delete(runID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
