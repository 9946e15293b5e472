// Package httpserver implements the HTTP+SSE downstream transport: POST
// /rpc for JSON-RPC requests, GET /events for a keepalive SSE stream, and
// GET /health for a process health snapshot (SPEC_FULL.md §6).
package httpserver

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mcpgate/internal/controller"
	"mcpgate/internal/jsonrpc"
)

// keepaliveInterval matches the 15s cadence of the transport this package
// supplements (original_source's http_sse.py create_app).
const keepaliveInterval = 15 * time.Second

// Handler serves the aggregator's HTTP+SSE surface over a shared controller.
type Handler struct {
	Name       string
	Version    string
	Controller *controller.Controller
	started    time.Time
}

// New builds an HTTP handler bound to ctrl.
func New(name, version string, ctrl *controller.Controller) *Handler {
	return &Handler{Name: name, Version: version, Controller: ctrl, started: time.Now()}
}

// RegisterRoutes adds the aggregator's routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/rpc", h.handleRPC)
	mux.HandleFunc("/events", h.handleEvents)
	mux.HandleFunc("/health", h.handleHealth)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		log.Printf("httpserver[%s]: parse error: %v", traceID, err)
		writeJSON(w, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error"))
		return
	}
	log.Printf("httpserver[%s]: %s", traceID, req.Method)

	if req.Method == "initialize" {
		caps := h.Controller.InitializeCapabilities(r.Context())
		capsJSON, err := json.Marshal(caps)
		if err != nil {
			writeJSON(w, jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, "internal error"))
			return
		}
		result := jsonrpc.InitializeResult{
			ProtocolVersion: "2024-11-05",
			Capabilities:    capsJSON,
			ServerInfo:      jsonrpc.ServerInfo{Name: h.Name, Version: h.Version},
		}
		resp, err := jsonrpc.NewResult(req.ID, result)
		if err != nil {
			writeJSON(w, jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, "internal error"))
			return
		}
		writeJSON(w, resp)
		return
	}

	if req.Method == "notifications/initialized" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	outcome := h.Controller.RouteRequest(r.Context(), req.Method, req.Params)
	resp := &jsonrpc.Response{JSONRPC: "2.0", ID: req.ID}
	if outcome.Error != nil {
		resp.Error = outcome.Error
	} else {
		resp.Result = outcome.Result
	}
	writeJSON(w, resp)
}

// writeJSON always answers 200, per the JSON-RPC-over-HTTP convention this
// transport follows: parse errors and application errors ride inside the
// JSON-RPC envelope, not the HTTP status line. Requests rejected before any
// JSON-RPC parsing (a non-POST method, an unreadable body) are answered by
// handleRPC with a plain HTTP error status instead.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpserver: write response: %v", err)
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.New().String()
	w.Header().Set("mcp-session-id", sessionID)

	sse := newSSEWriter(w)
	if sse == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	log.Printf("httpserver: SSE session=%s connected", sessionID)
	sse.sendComment("connected")

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			sse.sendComment("keepalive")
		}
	}
}

// healthResponse is the GET /health payload shape (SPEC_FULL.md §6).
type healthResponse struct {
	Status    string                    `json:"status"`
	Upstreams []controller.UpstreamStat `json:"upstreams"`
	Uptime    float64                   `json:"uptime"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.Controller.Stats()
	resp := healthResponse{
		Status:    "ok",
		Upstreams: stats.Upstreams,
		Uptime:    time.Since(h.started).Seconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("httpserver: write health response: %v", err)
	}
}
