package main

import (
	"context"
	"encoding/json"
	"net/http"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"

	"github.com/adplabs/PigeonKeeper/internal/workflow"
)

// server wires the HTTP control plane to the workflow engine and its
// collaborators.
type server struct {
	mux     *http.ServeMux
	engine  *workflow.Engine
	store   *workflow.Store
	cancel  *workflow.CancellationManager
	trigger *workflow.Trigger
}

func newServer(engine *workflow.Engine, store *workflow.Store, cancelMgr *workflow.CancellationManager, meter metric.Meter, nc *nats.Conn) *server {
	s := &server{engine: engine, store: store, cancel: cancelMgr}

	s.trigger = workflow.NewTrigger(store, nc, meter, func(ctx context.Context, workflowName string, cfg *workflow.ScheduleConfig) {
		spec, found, err := store.GetWorkflow(ctx, workflowName)
		if err != nil || !found {
			return
		}
		maxConcurrent := cfg.MaxConcurrent
		_, _ = engine.RunCampaign(ctx, spec, maxConcurrent, false)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/workflows", s.handlePutWorkflow)
	mux.HandleFunc("GET /v1/workflows", s.handleGetWorkflow)
	mux.HandleFunc("GET /v1/workflows/versions", s.handleWorkflowVersions)
	mux.HandleFunc("POST /v1/run", s.handleRun)
	mux.HandleFunc("POST /v1/schedules", s.handlePutSchedule)
	mux.HandleFunc("GET /v1/schedules", s.handleListSchedules)
	mux.HandleFunc("DELETE /v1/schedules/{name}", s.handleDeleteSchedule)
	mux.HandleFunc("POST /v1/campaigns/{id}/cancel", s.handleCancelCampaign)
	mux.HandleFunc("GET /v1/campaigns/{id}", s.handleGetCampaign)
	s.mux = mux

	return s
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec workflow.WorkflowSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if spec.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	if err := s.store.PutWorkflow(r.Context(), spec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(spec)
}

func (s *server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		specs := s.store.ListWorkflows(r.Context())
		_ = json.NewEncoder(w).Encode(specs)
		return
	}
	spec, found, err := s.store.GetWorkflow(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(spec)
}

func (s *server) handleWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	versions, err := s.store.GetWorkflowVersions(r.Context(), name, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(versions)
}

type runRequest struct {
	Workflow      string `json:"workflow"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	QuitOnFailure bool   `json:"quit_on_failure,omitempty"`
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	spec, found, err := s.store.GetWorkflow(r.Context(), req.Workflow)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}

	rec, err := s.engine.RunCampaign(r.Context(), spec, req.MaxConcurrent, req.QuitOnFailure)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var cfg workflow.ScheduleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if cfg.WorkflowName == "" {
		http.Error(w, "workflow_name required", http.StatusBadRequest)
		return
	}
	if err := s.trigger.AddSchedule(r.Context(), &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(cfg)
}

func (s *server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.trigger.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(schedules)
}

func (s *server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.trigger.RemoveSchedule(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "requested via API"
	}
	if err := s.cancel.Cancel(r.Context(), id, reason); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, found, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(rec)
}
