package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/metaorcha/metaorcha/internal/hub"
	"github.com/metaorcha/metaorcha/internal/model"
	"github.com/metaorcha/metaorcha/internal/service/workflows"
	"github.com/metaorcha/metaorcha/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	workflows           *workflows.Service
	hub                 *hub.Hub
	store               storage.Store
	storeKind           string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	gatewayConfigured   bool
	keepalive           time.Duration
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Workflows           *workflows.Service
	Hub                 *hub.Hub
	Store               storage.Store
	StoreKind           string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	GatewayConfigured   bool
	// Keepalive is the idle interval between stream comments; zero means 15s.
	Keepalive   time.Duration
	OpenAPISpec []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keepalive := d.Keepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Handlers{
		workflows:           d.Workflows,
		hub:                 d.Hub,
		store:               d.Store,
		storeKind:           d.StoreKind,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		gatewayConfigured:   d.GatewayConfigured,
		keepalive:           keepalive,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleCreateWorkflow handles POST /api/v1/workflows.
func (h *Handlers) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWorkflowRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeDecodeError(w, err)
		return
	}

	run, err := h.workflows.Submit(r.Context(), req.Prompt)
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.CreateWorkflowResponse{WorkflowID: run.ID})
}

// HandleStreamWorkflow handles GET /api/v1/workflows/{id}/stream.
func (h *Handlers) HandleStreamWorkflow(w http.ResponseWriter, r *http.Request) {
	sub, err := h.hub.Subscribe(r.Context(), r.PathValue("id"))
	if errors.Is(err, hub.ErrUnknownWorkflow) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to open stream", err)
		return
	}
	defer sub.Close()
	h.stream(w, r, sub)
}

// HandleOrchestrate handles POST /api/v1/orchestrate: submit and stream in
// one response. The run is tied to the request and is cancelled when the
// client goes away.
func (h *Handlers) HandleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWorkflowRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := model.ValidatePrompt(req.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.gatewayConfigured {
		writeError(w, http.StatusInternalServerError, "AI gateway not configured")
		return
	}

	_, sub, err := h.workflows.Stream(r.Context(), req.Prompt)
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}
	defer sub.Close()
	h.stream(w, r, sub)
}

// HandleGetWorkflow handles GET /api/v1/workflows/{id}.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	detail, err := h.hub.Snapshot(r.Context(), r.PathValue("id"))
	if errors.Is(err, hub.ErrUnknownWorkflow) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to load workflow", err)
		return
	}
	if detail.Events == nil {
		detail.Events = []model.WorkflowEvent{}
	}
	writeJSON(w, http.StatusOK, detail)
}

// HandleListWorkflows handles GET /api/v1/workflows?limit=N.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list workflows", err)
		return
	}
	if runs == nil {
		runs = []model.WorkflowRun{}
	}
	writeJSON(w, http.StatusOK, model.RunList{Runs: runs})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health: store ping failed", "error", err)
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Store:         h.storeKind,
		ActiveRuns:    h.hub.ActiveRuns(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrEmptyPrompt), errors.Is(err, model.ErrPromptTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflows.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		h.logger.Error("failed to create workflow",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "failed to create workflow")
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, http.StatusInternalServerError, msg)
}
