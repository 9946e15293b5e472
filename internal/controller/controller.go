// Package controller implements the aggregation controller: it owns the
// upstream session set, lazily starts them, merges their capabilities at
// initialize time, rebuilds the routing catalog on every discovery request,
// and routes tool calls to the upstream that owns them (spec §4.4).
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mcpgate/internal/catalog"
	"mcpgate/internal/jsonrpc"
	"mcpgate/internal/upstream"
)

// discoveryTimeout bounds each per-upstream call during a */list fan-out
// (spec §5: "Discovery fan-out is internally bounded by the per-request
// timeout; the fan-out wait never cancels the slower upstreams").
const discoveryTimeout = 5 * time.Second

// Outcome is the normalized result of routing one request: exactly one of
// Result or Error is set, mirroring jsonrpc.Response's contract.
type Outcome struct {
	Result json.RawMessage
	Error  *jsonrpc.Error
}

func resultOutcome(result any) Outcome {
	data, err := json.Marshal(result)
	if err != nil {
		return errorOutcome(jsonrpc.CodeInternal, "internal error: "+err.Error())
	}
	return Outcome{Result: data}
}

func errorOutcome(code int, message string) Outcome {
	return Outcome{Error: &jsonrpc.Error{Code: code, Message: message}}
}

func rawOutcome(result json.RawMessage) Outcome {
	return Outcome{Result: result}
}

// Controller owns all upstream sessions, the catalog, and round-robin state.
type Controller struct {
	mu       sync.RWMutex
	sessions []*upstream.Session
	byID     map[string]*upstream.Session

	cat *catalog.Catalog

	roundRobin atomic.Uint64
	started    atomic.Bool
}

// New builds a controller over the given sessions, preserving configuration
// order (spec §4.4, §8 invariant 5).
func New(sessions []*upstream.Session) *Controller {
	c := &Controller{
		sessions: append([]*upstream.Session(nil), sessions...),
		byID:     make(map[string]*upstream.Session, len(sessions)),
		cat:      catalog.New(),
	}
	for _, s := range sessions {
		c.byID[s.ID()] = s
	}
	return c
}

// ensureStarted starts every session concurrently. Only the first call does
// any work (spec §4.4: "lazy start").
func (c *Controller) ensureStarted(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.mu.RLock()
	sessions := append([]*upstream.Session(nil), c.sessions...)
	c.mu.RUnlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.Start(); err != nil {
				log.Printf("controller: failed to start upstream %s: %v", s.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// InitializeCapabilities starts all sessions, sends `initialize` to each
// concurrently (one failure never cancels the others), and merges the
// successful capability dictionaries (spec §4.4).
func (c *Controller) InitializeCapabilities(ctx context.Context) capabilities {
	c.ensureStarted(ctx)

	c.mu.RLock()
	sessions := append([]*upstream.Session(nil), c.sessions...)
	c.mu.RUnlock()

	results := make([]rawCapabilities, len(sessions))
	ok := make([]bool, len(sessions))

	var g errgroup.Group
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			env, err := s.Initialize(ctx)
			if err != nil {
				log.Printf("controller: upstream %s initialize failed: %v", s.ID(), err)
				return nil
			}
			if env.Error != nil {
				log.Printf("controller: upstream %s initialize error: code=%d msg=%s", s.ID(), env.Error.Code, env.Error.Message)
				return nil
			}
			var result struct {
				Capabilities rawCapabilities `json:"capabilities"`
			}
			if err := json.Unmarshal(env.Result, &result); err != nil {
				log.Printf("controller: upstream %s initialize: unmarshal capabilities: %v", s.ID(), err)
				return nil
			}
			results[i] = result.Capabilities
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var usable []rawCapabilities
	for i, wasOK := range ok {
		if wasOK {
			usable = append(usable, results[i])
		}
	}

	return mergeCapabilities(usable, func(kind, key string) {
		log.Printf("controller: capability collision on %s %q (last-writer-wins)", kind, key)
	})
}

// RouteRequest is the central dispatcher (spec §4.4).
func (c *Controller) RouteRequest(ctx context.Context, method string, rawParams json.RawMessage) Outcome {
	c.mu.RLock()
	n := len(c.sessions)
	c.mu.RUnlock()
	if n == 0 {
		return errorOutcome(jsonrpc.CodeNoUpstreams, "No upstreams available")
	}

	c.ensureStarted(ctx)

	switch method {
	case "tools/list", "prompts/list", "resources/list":
		return c.routeDiscovery(ctx, method)
	case "tools/call":
		return c.routeToolsCall(ctx, rawParams)
	default:
		return c.routeRoundRobin(ctx, method, rawParams)
	}
}

// routeDiscovery fans the same method out to every live session, rebuilds
// the relevant catalog section, and returns the merged list (spec §4.4).
func (c *Controller) routeDiscovery(ctx context.Context, method string) Outcome {
	c.mu.RLock()
	sessions := append([]*upstream.Session(nil), c.sessions...)
	c.mu.RUnlock()

	fanCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	results := make([]discoveryResult, len(sessions))

	var g errgroup.Group
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			env, err := s.Send(fanCtx, method, nil, discoveryTimeout, 0)
			if err != nil {
				log.Printf("controller: %s on upstream %s failed: %v", method, s.ID(), err)
				return nil
			}
			if env.Error != nil {
				log.Printf("controller: %s on upstream %s errored: code=%d msg=%s", method, s.ID(), env.Error.Code, env.Error.Message)
				return nil
			}
			results[i] = discoveryResult{raw: env.Result, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	c.cat.Reset()

	switch method {
	case "tools/list":
		return c.rebuildTools(sessions, results)
	case "prompts/list":
		return c.rebuildNamed(sessions, results, "prompts")
	default:
		return c.rebuildNamed(sessions, results, "resources")
	}
}

type listShape struct {
	Tools     []jsonrpc.Tool `json:"tools,omitempty"`
	Prompts   []jsonrpc.Tool `json:"prompts,omitempty"`
	Resources []jsonrpc.Tool `json:"resources,omitempty"`
}

// discoveryResult is one upstream's raw */list reply from a fan-out round.
type discoveryResult struct {
	raw json.RawMessage
	ok  bool
}

func (c *Controller) rebuildTools(sessions []*upstream.Session, results []discoveryResult) Outcome {
	var aggregated []jsonrpc.Tool

	for i, s := range sessions {
		if !results[i].ok {
			continue
		}
		var parsed listShape
		if err := json.Unmarshal(results[i].raw, &parsed); err != nil {
			log.Printf("controller: tools/list unmarshal from %s: %v", s.ID(), err)
			continue
		}
		cfg := s.Config()
		for _, tool := range parsed.Tools {
			original := tool.Name()
			sanitizedOriginal := jsonrpc.Sanitize(original)
			if !toolAllowed(sanitizedOriginal, cfg.IncludeTools, cfg.ExcludeTools) {
				continue
			}

			presented := jsonrpc.PresentedName(s.ID(), original)
			if c.cat.HasTool(presented) {
				log.Printf("controller: tool %q from %s collides with an earlier upstream; dropped", presented, s.ID())
				continue
			}

			description := tool.Description()
			if description != "" {
				description = fmt.Sprintf("[%s] %s", s.ID(), description)
			}
			shaped, err := tool.WithNameAndDescription(presented, description)
			if err != nil {
				log.Printf("controller: reshape tool %q from %s: %v", original, s.ID(), err)
				continue
			}

			c.cat.SetTool(presented, original, s.ID(), shaped)
			aggregated = append(aggregated, shaped)
		}
	}

	if aggregated == nil {
		aggregated = []jsonrpc.Tool{}
	}
	return resultOutcome(listShape{Tools: aggregated})
}

// toolAllowed applies a per-upstream include/exclude filter against the
// sanitized original tool name (spec §4.4 S3).
func toolAllowed(sanitizedName string, include, exclude []string) bool {
	if len(include) > 0 && !contains(include, sanitizedName) {
		return false
	}
	if contains(exclude, sanitizedName) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (c *Controller) rebuildNamed(sessions []*upstream.Session, results []discoveryResult, kind string) Outcome {
	var aggregated []jsonrpc.Tool

	for i, s := range sessions {
		if !results[i].ok {
			continue
		}
		var parsed listShape
		if err := json.Unmarshal(results[i].raw, &parsed); err != nil {
			log.Printf("controller: %s/list unmarshal from %s: %v", kind, s.ID(), err)
			continue
		}
		items := parsed.Prompts
		if kind == "resources" {
			items = parsed.Resources
		}
		for _, item := range items {
			name := item.Name()
			if name == "" {
				continue
			}
			var already bool
			if kind == "prompts" {
				already = c.cat.HasPrompt(name)
			} else {
				already = c.cat.HasResource(name)
			}
			if already {
				continue // first occurrence wins, configuration order
			}
			if kind == "prompts" {
				c.cat.SetPrompt(name, s.ID(), item)
			} else {
				c.cat.SetResource(name, s.ID(), item)
			}
			aggregated = append(aggregated, item)
		}
	}

	if aggregated == nil {
		aggregated = []jsonrpc.Tool{}
	}
	if kind == "prompts" {
		return resultOutcome(listShape{Prompts: aggregated})
	}
	return resultOutcome(listShape{Resources: aggregated})
}

// routeToolsCall applies global filters, then routes by catalog lookup,
// falling back to round-robin on a miss (spec §4.4).
func (c *Controller) routeToolsCall(ctx context.Context, rawParams json.RawMessage) Outcome {
	var params jsonrpc.ToolsCallParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return errorOutcome(jsonrpc.CodeInvalidParams, "Invalid params: "+err.Error())
	}

	if len(c.cat.Tools()) == 0 {
		c.routeDiscovery(ctx, "tools/list")
	}

	include, exclude := globalToolFilters()
	if len(include) > 0 && !contains(include, params.Name) {
		return errorOutcome(jsonrpc.CodeMethodNotFound, "Tool not allowed: "+params.Name)
	}
	if contains(exclude, params.Name) {
		return errorOutcome(jsonrpc.CodeMethodNotFound, "Tool excluded: "+params.Name)
	}

	upstreamID, original, ok := c.cat.LookupTool(params.Name)
	if !ok {
		return c.routeRoundRobin(ctx, "tools/call", rawParams)
	}

	c.mu.RLock()
	s := c.byID[upstreamID]
	c.mu.RUnlock()
	if s == nil {
		return errorOutcome(jsonrpc.CodeUpstreamFailed, "Upstream request failed: unknown upstream "+upstreamID)
	}

	rewritten := params
	rewritten.Name = original
	env, err := s.Send(ctx, "tools/call", rewritten, 0, 0)
	if err != nil {
		return errorOutcome(jsonrpc.CodeUpstreamFailed, "Upstream request failed: "+err.Error())
	}
	if env.Error != nil {
		return errorOutcome(env.Error.Code, env.Error.Message)
	}
	return rawOutcome(env.Result)
}

// routeRoundRobin sends method/params to the next session in rotation
// (spec §4.4 "Other methods").
func (c *Controller) routeRoundRobin(ctx context.Context, method string, rawParams json.RawMessage) Outcome {
	c.mu.RLock()
	sessions := append([]*upstream.Session(nil), c.sessions...)
	c.mu.RUnlock()
	if len(sessions) == 0 {
		return errorOutcome(jsonrpc.CodeNoUpstreams, "No upstreams available")
	}

	idx := c.roundRobin.Add(1) - 1
	s := sessions[idx%uint64(len(sessions))]

	var params any
	if len(rawParams) > 0 {
		params = rawParams
	}

	env, err := s.Send(ctx, method, params, 0, 0)
	if err != nil {
		return errorOutcome(jsonrpc.CodeUpstreamFailed, "Upstream request failed: "+err.Error())
	}
	if env.Error != nil {
		return errorOutcome(env.Error.Code, env.Error.Message)
	}
	return rawOutcome(env.Result)
}

// globalToolFilters reads the process-wide include/exclude lists (spec §6).
func globalToolFilters() (include, exclude []string) {
	include = splitCSV(os.Getenv("ORCH_INCLUDE_TOOLS"))
	exclude = splitCSV(os.Getenv("ORCH_EXCLUDE_TOOLS"))
	return include, exclude
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Reload diffs the controller's session set against newConfigs by id: kept
// ids retain their live session, removed ids are closed, added ids are
// started lazily like any other (SPEC_FULL.md §4.8).
func (c *Controller) Reload(newConfigs []upstream.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wanted := make(map[string]upstream.Config, len(newConfigs))
	for _, cfg := range newConfigs {
		wanted[cfg.ID] = cfg
	}

	var kept []*upstream.Session
	for _, s := range c.sessions {
		if _, ok := wanted[s.ID()]; ok {
			kept = append(kept, s)
			delete(wanted, s.ID())
		} else {
			go func(s *upstream.Session) {
				if err := s.Close(); err != nil {
					log.Printf("controller: close removed upstream %s: %v", s.ID(), err)
				}
			}(s)
		}
	}

	for _, cfg := range newConfigs {
		if _, stillWanted := wanted[cfg.ID]; stillWanted {
			s := upstream.New(cfg)
			kept = append(kept, s)
			c.byID[s.ID()] = s
			if c.started.Load() {
				if err := s.Start(); err != nil {
					log.Printf("controller: start new upstream %s: %v", s.ID(), err)
				}
			}
		}
	}

	c.sessions = kept
	c.cat.Reset()
}

// Close closes all sessions concurrently, swallowing individual errors
// (spec §4.4).
func (c *Controller) Close() {
	c.mu.RLock()
	sessions := append([]*upstream.Session(nil), c.sessions...)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *upstream.Session) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				log.Printf("controller: close upstream %s: %v", s.ID(), err)
			}
		}(s)
	}
	wg.Wait()
}

// Stats is a point-in-time snapshot for the HTTP /health endpoint
// (SPEC_FULL.md §6).
type Stats struct {
	Upstreams []UpstreamStat `json:"upstreams"`
}

type UpstreamStat struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
}

// Stats returns a snapshot of the current upstream set.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	sessions := append([]*upstream.Session(nil), c.sessions...)
	c.mu.RUnlock()

	toolCounts := make(map[string]int, len(sessions))
	for _, entry := range c.cat.Tools() {
		toolCounts[entry.UpstreamID]++
	}

	out := Stats{}
	for _, s := range sessions {
		out.Upstreams = append(out.Upstreams, UpstreamStat{
			ID:        s.ID(),
			Connected: s.Connected(),
			ToolCount: toolCounts[s.ID()],
		})
	}
	return out
}
