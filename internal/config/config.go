// Package config loads and normalizes the aggregator's configuration file.
// Three equivalent surface forms fold into one []UpstreamConfig: the native
// `upstream:` list, an alternate `servers:` list, and a Claude-Desktop-style
// `mcpServers:` map (SPEC_FULL.md §3, supplementing spec.md §6).
package config

import (
	"fmt"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"mcpgate/internal/upstream"
)

// Transport selects which downstream listener cmd/mcpgate starts.
type Transport struct {
	Mode    string `yaml:"mode"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	SSEPath string `yaml:"sse_path"`
}

// Config is the normalized, in-memory configuration the controller is built
// from (spec.md §3, §6).
type Config struct {
	Name          string            `yaml:"name"`
	Upstream      []upstream.Config `yaml:"-"`
	Transport     Transport         `yaml:"transport"`
	IncludeTools  []string          `yaml:"include_tools"`
	ExcludeTools  []string          `yaml:"exclude_tools"`
	ClientProfile string            `yaml:"client_profile"`
}

// rawUpstream mirrors Form A/B on the wire: id/name are interchangeable,
// command/env/include_tools/exclude_tools are shared across every form.
type rawUpstream struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Command      []string          `yaml:"command"`
	Env          map[string]string `yaml:"env"`
	IncludeTools []string          `yaml:"include_tools"`
	ExcludeTools []string          `yaml:"exclude_tools"`
}

// rawMCPServer mirrors Form C's per-entry shape (Claude Desktop config).
type rawMCPServer struct {
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Disabled bool              `yaml:"disabled"`
	Tools    struct {
		Allowed []string `yaml:"allowed"`
	} `yaml:"tools"`
}

type rawDocument struct {
	Name       string                  `yaml:"name"`
	Upstream   []rawUpstream           `yaml:"upstream"`
	Servers    []rawUpstream           `yaml:"servers"`
	MCPServers map[string]rawMCPServer `yaml:"mcpServers"`
	// Defaults is shared env/include/exclude applied to every upstream entry
	// that doesn't set its own (mergo-merged, so an empty entry field always
	// loses to a non-empty default) — lets a config share one env block
	// across many upstream commands instead of repeating it per entry.
	Defaults      rawUpstream `yaml:"defaults"`
	Transport     Transport   `yaml:"transport"`
	IncludeTools  []string    `yaml:"include_tools"`
	ExcludeTools  []string    `yaml:"exclude_tools"`
	ClientProfile string      `yaml:"client_profile"`
}

// Load reads and normalizes the config file at path from fs, merging each
// upstream entry against Defaults and applying the ORCH_UPSTREAM_<ID>_COMMAND
// environment override (spec.md §6's env override convention, named after
// wick_gateway's WICK_DOWNSTREAM_<NAME>_URL pattern). Only the command line
// can be overridden this way; an upstream's env map has no per-key override.
func Load(fs afero.Fs, path string, getenv func(string) string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	upstreams, err := normalizeUpstreams(doc)
	if err != nil {
		return nil, err
	}

	defaults := upstream.Config{
		Env:          doc.Defaults.Env,
		IncludeTools: doc.Defaults.IncludeTools,
		ExcludeTools: doc.Defaults.ExcludeTools,
	}
	for i := range upstreams {
		if err := mergo.Merge(&upstreams[i], defaults); err != nil {
			return nil, fmt.Errorf("config: merge defaults for %s: %w", upstreams[i].ID, err)
		}
		applyEnvOverrides(&upstreams[i], getenv)
	}

	cfg := &Config{
		Name:          doc.Name,
		Upstream:      upstreams,
		Transport:     doc.Transport,
		IncludeTools:  doc.IncludeTools,
		ExcludeTools:  doc.ExcludeTools,
		ClientProfile: doc.ClientProfile,
	}
	if cfg.Name == "" {
		cfg.Name = "mcpgate"
	}
	if cfg.Transport.Mode == "" {
		cfg.Transport.Mode = "stdio"
	}
	if cfg.Transport.Host == "" {
		cfg.Transport.Host = "127.0.0.1"
	}
	if cfg.Transport.Port == 0 {
		cfg.Transport.Port = 7332
	}
	if cfg.Transport.SSEPath == "" {
		cfg.Transport.SSEPath = "/events"
	}
	return cfg, nil
}

// normalizeUpstreams folds Form A/B/C into one ordered []upstream.Config,
// rejecting a document that mixes more than one form (ambiguous intent).
func normalizeUpstreams(doc rawDocument) ([]upstream.Config, error) {
	forms := 0
	if len(doc.Upstream) > 0 {
		forms++
	}
	if len(doc.Servers) > 0 {
		forms++
	}
	if len(doc.MCPServers) > 0 {
		forms++
	}
	if forms > 1 {
		return nil, fmt.Errorf("config: specify only one of upstream/servers/mcpServers")
	}

	switch {
	case len(doc.Upstream) > 0:
		return fromRawList(doc.Upstream)
	case len(doc.Servers) > 0:
		return fromRawList(doc.Servers)
	case len(doc.MCPServers) > 0:
		return fromMCPServers(doc.MCPServers)
	default:
		return nil, nil
	}
}

func fromRawList(entries []rawUpstream) ([]upstream.Config, error) {
	out := make([]upstream.Config, 0, len(entries))
	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = e.Name
		}
		if id == "" {
			return nil, fmt.Errorf("config: upstream entry missing id/name")
		}
		if len(e.Command) == 0 {
			return nil, fmt.Errorf("config: upstream %q missing command", id)
		}
		out = append(out, upstream.Config{
			ID:           id,
			Command:      e.Command,
			Env:          e.Env,
			IncludeTools: e.IncludeTools,
			ExcludeTools: e.ExcludeTools,
		})
	}
	return out, nil
}

// fromMCPServers converts the Claude-Desktop-style map form. Map iteration
// order isn't stable, so entries are sorted by name to keep configuration
// order deterministic across reloads (spec.md §8 invariant 5 depends on a
// stable upstream order).
func fromMCPServers(servers map[string]rawMCPServer) ([]upstream.Config, error) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]upstream.Config, 0, len(servers))
	for _, name := range names {
		entry := servers[name]
		if entry.Disabled {
			continue
		}
		if entry.Command == "" {
			return nil, fmt.Errorf("config: mcpServers.%s missing command", name)
		}
		out = append(out, upstream.Config{
			ID:           name,
			Command:      append([]string{entry.Command}, entry.Args...),
			Env:          entry.Env,
			IncludeTools: entry.Tools.Allowed,
		})
	}
	return out, nil
}

// applyEnvOverrides mirrors wick_gateway's WICK_DOWNSTREAM_<NAME>_URL
// convention: ORCH_UPSTREAM_<ID>_COMMAND overrides the whole command line
// (space-separated).
func applyEnvOverrides(cfg *upstream.Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	key := "ORCH_UPSTREAM_" + envSafe(cfg.ID) + "_COMMAND"
	if v := getenv(key); v != "" {
		cfg.Command = strings.Fields(v)
	}
}

func envSafe(id string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(id, "-", "_"), ".", "_"))
}
