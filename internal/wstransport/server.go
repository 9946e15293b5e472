// Package wstransport implements the WebSocket downstream transport: one
// upgraded connection dispatches JSON-RPC messages through the aggregation
// controller like the stdio transport, but with no length-prefixed framing
// (the websocket message boundary already delimits each JSON body). Unlike
// stdio, the initialize reply carries the merged capabilities unshaped:
// ORCH_CLIENT_PROFILE is not applied on this transport.
//
// SPEC_FULL.md supplements this transport: the spec this module was
// distilled from carried an unused `TransportConfig.mode == "ws"` value that
// the Python original never implemented.
package wstransport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mcpgate/internal/controller"
	"mcpgate/internal/jsonrpc"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves the /ws upgrade endpoint over a shared controller.
type Handler struct {
	Name       string
	Version    string
	Controller *controller.Controller
}

// New builds a websocket handler bound to ctrl.
func New(name, version string, ctrl *controller.Controller) *Handler {
	return &Handler{Name: name, Version: version, Controller: ctrl}
}

// RegisterRoutes adds the /ws route to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.handleUpgrade)
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.New().String()
	header := http.Header{"mcp-session-id": {sessionID}}

	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		log.Printf("wstransport: upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("wstransport: session=%s connected", sessionID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("wstransport: session=%s parse error: %v", sessionID, err)
			h.write(conn, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error"))
			continue
		}
		log.Printf("wstransport: session=%s method=%s", sessionID, req.Method)

		h.dispatch(conn, &req)
	}
}

func (h *Handler) dispatch(conn *websocket.Conn, req *jsonrpc.Request) {
	if req.Method == "initialize" {
		caps := h.Controller.InitializeCapabilities(context.Background())
		capsJSON, err := json.Marshal(caps)
		if err != nil {
			h.write(conn, jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, "internal error"))
			return
		}
		result := jsonrpc.InitializeResult{
			ProtocolVersion: "2024-11-05",
			Capabilities:    capsJSON,
			ServerInfo:      jsonrpc.ServerInfo{Name: h.Name, Version: h.Version},
		}
		resp, err := jsonrpc.NewResult(req.ID, result)
		if err != nil {
			h.write(conn, jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, "internal error"))
			return
		}
		h.write(conn, resp)
		return
	}

	if req.IsNotification() {
		h.Controller.RouteRequest(context.Background(), req.Method, req.Params)
		return
	}

	outcome := h.Controller.RouteRequest(context.Background(), req.Method, req.Params)
	resp := &jsonrpc.Response{JSONRPC: "2.0", ID: req.ID}
	if outcome.Error != nil {
		resp.Error = outcome.Error
	} else {
		resp.Result = outcome.Result
	}
	h.write(conn, resp)
}

func (h *Handler) write(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("wstransport: marshal response: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("wstransport: write response: %v", err)
	}
}
