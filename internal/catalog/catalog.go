// Package catalog implements the controller's in-memory routing table:
// presented tool name -> (upstream id, original name, descriptor), plus the
// merged prompt/resource name -> upstream maps (spec §3, §4.3).
package catalog

import (
	"sync"

	"mcpgate/internal/jsonrpc"
)

// ToolEntry is one routing-table row for a tool.
type ToolEntry struct {
	PresentedName string
	OriginalName  string
	UpstreamID    string
	Descriptor    jsonrpc.Tool
}

// namedEntry is one routing-table row for a prompt or resource: the
// upstream-visible name never changes, only the owning upstream is tracked.
type namedEntry struct {
	UpstreamID string
	Descriptor jsonrpc.Tool
}

// Catalog is a pure data structure; it holds no transport and no locking
// beyond what's needed for safe concurrent reads during a rebuild (spec §5:
// "a concurrent build on another in-flight call is permitted").
type Catalog struct {
	mu sync.RWMutex

	toolOrder []string
	tools     map[string]ToolEntry

	promptOrder []string
	prompts     map[string]namedEntry

	resourceOrder []string
	resources     map[string]namedEntry
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		tools:     make(map[string]ToolEntry),
		prompts:   make(map[string]namedEntry),
		resources: make(map[string]namedEntry),
	}
}

// SetTool inserts or overwrites a tool entry, recording insertion order for
// entries seen for the first time.
func (c *Catalog) SetTool(presentedName, originalName, upstreamID string, descriptor jsonrpc.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[presentedName]; !exists {
		c.toolOrder = append(c.toolOrder, presentedName)
	}
	c.tools[presentedName] = ToolEntry{
		PresentedName: presentedName,
		OriginalName:  originalName,
		UpstreamID:    upstreamID,
		Descriptor:    descriptor,
	}
}

// SetPrompt inserts or overwrites a prompt entry (first-occurrence-wins is
// enforced by the caller, not here — Catalog itself always last-writer-wins
// on direct Set calls; see controller.rebuildNamed for union semantics).
func (c *Catalog) SetPrompt(name, upstreamID string, descriptor jsonrpc.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.prompts[name]; !exists {
		c.promptOrder = append(c.promptOrder, name)
	}
	c.prompts[name] = namedEntry{UpstreamID: upstreamID, Descriptor: descriptor}
}

// SetResource inserts or overwrites a resource entry.
func (c *Catalog) SetResource(name, upstreamID string, descriptor jsonrpc.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.resources[name]; !exists {
		c.resourceOrder = append(c.resourceOrder, name)
	}
	c.resources[name] = namedEntry{UpstreamID: upstreamID, Descriptor: descriptor}
}

// HasTool reports whether a presented name is already registered. Discovery
// rebuilds call this before SetTool to implement first-occurrence-wins on a
// presented-name collision (spec §3): the caller iterates upstreams in
// configuration order and skips (and logs) any name already present.
func (c *Catalog) HasTool(presentedName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[presentedName]
	return ok
}

// HasPrompt reports whether a prompt name is already registered, for the
// same first-occurrence-wins union used by HasTool.
func (c *Catalog) HasPrompt(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.prompts[name]
	return ok
}

// HasResource reports whether a resource name is already registered.
func (c *Catalog) HasResource(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.resources[name]
	return ok
}

// LookupTool returns the owning upstream id and original name for a
// presented tool name, or ok=false on a miss.
func (c *Catalog) LookupTool(presentedName string) (upstreamID, originalName string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, exists := c.tools[presentedName]
	if !exists {
		return "", "", false
	}
	return entry.UpstreamID, entry.OriginalName, true
}

// Tools returns the ordered sequence of tool entries (insertion order).
func (c *Catalog) Tools() []ToolEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolEntry, 0, len(c.toolOrder))
	for _, name := range c.toolOrder {
		out = append(out, c.tools[name])
	}
	return out
}

// Prompts returns the ordered sequence of prompt descriptors (insertion
// order, i.e. configuration order of the upstream that first advertised
// each name).
func (c *Catalog) Prompts() []jsonrpc.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]jsonrpc.Tool, 0, len(c.promptOrder))
	for _, name := range c.promptOrder {
		out = append(out, c.prompts[name].Descriptor)
	}
	return out
}

// Resources returns the ordered sequence of resource descriptors.
func (c *Catalog) Resources() []jsonrpc.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]jsonrpc.Tool, 0, len(c.resourceOrder))
	for _, name := range c.resourceOrder {
		out = append(out, c.resources[name].Descriptor)
	}
	return out
}

// Reset clears the catalog in place, used at the start of a rebuild.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolOrder = nil
	c.tools = make(map[string]ToolEntry)
	c.promptOrder = nil
	c.prompts = make(map[string]namedEntry)
	c.resourceOrder = nil
	c.resources = make(map[string]namedEntry)
}
