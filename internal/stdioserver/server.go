// Package stdioserver implements the downstream stdio transport: it reads
// framed JSON-RPC messages from stdin, dispatches them through the
// aggregation controller, and writes framed responses to stdout.
//
// Stdout is reserved exclusively for protocol frames. Go has no rebindable
// global stdout like Python's sys.stdout, so the invariant here is enforced
// by construction rather than by a context-manager swap: Serve is the only
// code path that ever touches the stdout handle passed to it, and every
// other component in this process logs to stderr via the standard log
// package (spec §4.1, §9 design note on stdout discipline).
package stdioserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"

	"mcpgate/internal/controller"
	"mcpgate/internal/framing"
	"mcpgate/internal/jsonrpc"
)

// cursorProfile, when set via ORCH_CLIENT_PROFILE, restricts the initialize
// response to tools only — the Cursor MCP client rejects prompts/resources
// sections it does not expect (spec §4.1, ported from
// ORCH_CLIENT_PROFILE=="cursor" handling in the original aggregator).
const cursorProfile = "cursor"

// Server owns one stdio session's framed read/write loop.
type Server struct {
	Name       string
	Version    string
	Controller *controller.Controller

	// ClientProfile overrides ORCH_CLIENT_PROFILE for tests; empty means
	// "read the environment".
	ClientProfile string
}

// New builds a stdio server bound to ctrl.
func New(name, version string, ctrl *controller.Controller) *Server {
	return &Server{Name: name, Version: version, Controller: ctrl}
}

// Serve runs the read-dispatch-write loop until stdin is closed or ctx is
// canceled. Responses and notifications are written to out; all logging in
// this process must go to stderr, never to out (spec §9).
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	dec := framing.NewDecoder(in)
	dec.OnDropped = func(err error) {
		log.Printf("stdioserver: dropped malformed frame: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var req jsonrpc.Request
		if err := dec.Next(&req); err != nil {
			if errors.Is(err, framing.ErrStreamClosed) {
				return nil
			}
			return err
		}

		s.handle(ctx, &req, out)
	}
}

func (s *Server) handle(ctx context.Context, req *jsonrpc.Request, out io.Writer) {
	if req.Method == "initialize" {
		s.handleInitialize(ctx, req, out)
		return
	}

	outcome := s.Controller.RouteRequest(ctx, req.Method, req.Params)
	if req.IsNotification() {
		return
	}
	s.writeOutcome(req.ID, outcome, out)
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc.Request, out io.Writer) {
	caps := s.Controller.InitializeCapabilities(ctx)

	capsJSON, err := json.Marshal(caps)
	if err != nil {
		log.Printf("stdioserver: marshal capabilities: %v", err)
		capsJSON = json.RawMessage(`{"tools":{},"prompts":{},"resources":{}}`)
	}
	capsJSON = shapeForProfile(s.profile(), capsJSON)

	result := jsonrpc.InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    capsJSON,
		ServerInfo:      jsonrpc.ServerInfo{Name: s.Name, Version: s.Version},
	}

	if req.IsNotification() {
		return
	}
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		log.Printf("stdioserver: marshal initialize result: %v", err)
		return
	}
	s.write(resp, out)
}

func (s *Server) profile() string {
	if s.ClientProfile != "" {
		return s.ClientProfile
	}
	return os.Getenv("ORCH_CLIENT_PROFILE")
}

// shapeForProfile strips prompts/resources for the cursor profile, leaving
// every other field (including unknown capability sub-keys) untouched.
func shapeForProfile(profile string, capsJSON json.RawMessage) json.RawMessage {
	if profile != cursorProfile {
		return capsJSON
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(capsJSON, &fields); err != nil {
		return capsJSON
	}
	shaped := map[string]json.RawMessage{}
	if tools, ok := fields["tools"]; ok {
		shaped["tools"] = tools
	} else {
		shaped["tools"] = json.RawMessage(`{}`)
	}
	shaped["prompts"] = json.RawMessage(`{}`)
	shaped["resources"] = json.RawMessage(`{}`)
	out, err := json.Marshal(shaped)
	if err != nil {
		return capsJSON
	}
	return out
}

func (s *Server) writeOutcome(id json.RawMessage, outcome controller.Outcome, out io.Writer) {
	resp := &jsonrpc.Response{JSONRPC: "2.0", ID: id}
	if outcome.Error != nil {
		resp.Error = outcome.Error
	} else {
		resp.Result = outcome.Result
	}
	s.write(resp, out)
}

func (s *Server) write(v any, out io.Writer) {
	frame, err := framing.Encode(v)
	if err != nil {
		log.Printf("stdioserver: encode response: %v", err)
		return
	}
	if _, err := out.Write(frame); err != nil {
		log.Printf("stdioserver: write response: %v", err)
	}
}
