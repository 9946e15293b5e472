package controller

import "mcpgate/internal/jsonrpc"

// capabilities is the merged {tools, prompts, resources} capability map
// returned by initialize_capabilities (spec §3, §4.4).
type capabilities struct {
	Tools     map[string]jsonrpc.Tool `json:"tools"`
	Prompts   map[string]jsonrpc.Tool `json:"prompts"`
	Resources map[string]jsonrpc.Tool `json:"resources"`
}

func emptyCapabilities() capabilities {
	return capabilities{
		Tools:     map[string]jsonrpc.Tool{},
		Prompts:   map[string]jsonrpc.Tool{},
		Resources: map[string]jsonrpc.Tool{},
	}
}

// rawCapabilities is the shape an upstream's `initialize` result carries:
// capabilities.{tools,prompts,resources} each a name -> descriptor map.
type rawCapabilities struct {
	Tools     map[string]jsonrpc.Tool `json:"tools"`
	Prompts   map[string]jsonrpc.Tool `json:"prompts"`
	Resources map[string]jsonrpc.Tool `json:"resources"`
}

// onCollision, when non-nil, is called for every key overwritten during a
// mergeCapabilities pass (last-writer-wins; spec §3, §9 open question 2).
func mergeCapabilities(perUpstream []rawCapabilities, onCollision func(kind, key string)) capabilities {
	merged := emptyCapabilities()
	for _, caps := range perUpstream {
		mergeInto(merged.Tools, caps.Tools, "tools", onCollision)
		mergeInto(merged.Prompts, caps.Prompts, "prompts", onCollision)
		mergeInto(merged.Resources, caps.Resources, "resources", onCollision)
	}
	return merged
}

func mergeInto(dst map[string]jsonrpc.Tool, src map[string]jsonrpc.Tool, kind string, onCollision func(kind, key string)) {
	for k, v := range src {
		if _, exists := dst[k]; exists && onCollision != nil {
			onCollision(kind, k)
		}
		dst[k] = v
	}
}
