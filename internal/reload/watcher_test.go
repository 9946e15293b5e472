package reload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/controller"
)

func TestWatchReloadsControllerOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
upstream:
  - id: u1
    command: ["echo", "a"]
`), 0o644))

	ctrl := controller.New(nil)
	w := New(afero.NewOsFs(), path, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	require.Eventually(t, func() bool {
		return len(ctrl.Stats().Upstreams) == 0
	}, time.Second, 10*time.Millisecond, "controller should start with zero upstreams")

	require.NoError(t, os.WriteFile(path, []byte(`
upstream:
  - id: u1
    command: ["echo", "a"]
  - id: u2
    command: ["echo", "b"]
`), 0o644))

	require.Eventually(t, func() bool {
		return len(ctrl.Stats().Upstreams) == 2
	}, 2*time.Second, 20*time.Millisecond, "reload should pick up the added upstream")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop after context cancel")
	}
	assert.Equal(t, 2, len(ctrl.Stats().Upstreams))
}
