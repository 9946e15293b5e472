package catalog

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/jsonrpc"
)

func TestSetToolAndLookup(t *testing.T) {
	c := New()
	c.SetTool("u1_a", "a", "u1", jsonrpc.Tool(`{"name":"a"}`))

	upstream, original, ok := c.LookupTool("u1_a")
	require.True(t, ok)
	assert.Equal(t, "u1", upstream)
	assert.Equal(t, "a", original)

	_, _, ok = c.LookupTool("missing")
	assert.False(t, ok)
}

func TestToolsPreservesInsertionOrder(t *testing.T) {
	c := New()
	c.SetTool("u1_a", "a", "u1", jsonrpc.Tool(`{"name":"a"}`))
	c.SetTool("u1_b", "b", "u1", jsonrpc.Tool(`{"name":"b"}`))
	c.SetTool("u2_b", "b", "u2", jsonrpc.Tool(`{"name":"b"}`))
	c.SetTool("u2_c", "c", "u2", jsonrpc.Tool(`{"name":"c"}`))

	got := c.Tools()
	var names []string
	for _, e := range got {
		names = append(names, e.PresentedName)
	}
	want := []string{"u1_a", "u1_b", "u2_b", "u2_c"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("tool order mismatch (-want +got):\n%s", diff)
	}
}

func TestHasToolGuardsFirstOccurrenceWins(t *testing.T) {
	c := New()
	assert.False(t, c.HasTool("u1_a"))
	c.SetTool("u1_a", "a", "u1", jsonrpc.Tool(`{"name":"a"}`))
	assert.True(t, c.HasTool("u1_a"))
}

func TestResetClearsEverything(t *testing.T) {
	c := New()
	c.SetTool("u1_a", "a", "u1", jsonrpc.Tool(`{"name":"a"}`))
	c.SetPrompt("p1", "u1", jsonrpc.Tool(`{"name":"p1"}`))
	c.SetResource("r1", "u1", jsonrpc.Tool(`{"name":"r1"}`))

	c.Reset()

	assert.Empty(t, c.Tools())
	assert.Empty(t, c.Prompts())
	assert.Empty(t, c.Resources())
	assert.False(t, c.HasTool("u1_a"))
}

func TestPromptsAndResourcesCountsAndLookups(t *testing.T) {
	c := New()
	c.SetPrompt("p1", "u1", jsonrpc.Tool(`{"name":"p1"}`))
	c.SetPrompt("p2", "u2", jsonrpc.Tool(`{"name":"p2"}`))
	c.SetResource("r1", "u1", jsonrpc.Tool(`{"name":"r1"}`))

	assert.Len(t, c.Prompts(), 2)
	assert.Len(t, c.Resources(), 1)
	assert.True(t, c.HasPrompt("p1"))
	assert.True(t, c.HasResource("r1"))
	assert.False(t, c.HasResource("r2"))
}
