package personality

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvid-ai/agentruntime/telemetry"
)

func writePack(t *testing.T, root, id, manifestYAML string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifestYAML), 0o644))
	return dir
}

func TestManagerLoadsValidPacks(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "helper", `
id: helper
name: Helper
version: "1.0.0"
description: a helpful assistant
system_prompt_file: system.txt
default_provider: anthropic
default_model: claude-3-5-sonnet
`)
	require.NoError(t, os.WriteFile(filepath.Join(root, "helper", "system.txt"), []byte("You are a helpful assistant."), 0o644))

	m, err := New(context.Background(), root, telemetry.Noop())
	require.NoError(t, err)

	instance, ok := m.Get("helper")
	require.True(t, ok)
	require.Equal(t, "Helper", instance.Name)
	require.Equal(t, "You are a helpful assistant.", instance.SystemPromptText)
	require.Equal(t, "anthropic", instance.DefaultProvider)
}

func TestManagerExcludesInvalidPackWithoutAbortingOthers(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "good", `
id: good
name: Good
version: "1.0.0"
`)
	writePack(t, root, "bad", `
name: Missing ID
version: "1.0.0"
`)

	m, err := New(context.Background(), root, telemetry.Noop())
	require.NoError(t, err)

	_, ok := m.Get("good")
	require.True(t, ok)

	require.Len(t, m.List(), 1)
}

func TestReloadSwapsRegistryWithoutInvalidatingCapturedSnapshots(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "helper", `
id: helper
name: Helper v1
version: "1.0.0"
`)

	m, err := New(context.Background(), root, telemetry.Noop())
	require.NoError(t, err)

	captured, ok := m.Get("helper")
	require.True(t, ok)
	require.Equal(t, "Helper v1", captured.Name)

	require.NoError(t, os.WriteFile(filepath.Join(root, "helper", "manifest.yaml"), []byte(`
id: helper
name: Helper v2
version: "2.0.0"
`), 0o644))

	loaded, failed, err := m.Reload(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	require.Empty(t, failed)

	// The value captured before reload is untouched.
	require.Equal(t, "Helper v1", captured.Name)

	updated, ok := m.Get("helper")
	require.True(t, ok)
	require.Equal(t, "Helper v2", updated.Name)
}

func TestExecuteToolRecoversFromPanic(t *testing.T) {
	RegisterTool("panicky", "explode", func(ctx context.Context, args map[string]any) (any, error) {
		panic("boom")
	})

	root := t.TempDir()
	writePack(t, root, "panicky", `
id: panicky
name: Panicky
version: "1.0.0"
`)
	m, err := New(context.Background(), root, telemetry.Noop())
	require.NoError(t, err)

	_, _, err = m.ExecuteTool(context.Background(), "panicky", "explode", nil)
	require.Error(t, err)

	var execErr *ToolExecutionError
	require.ErrorAs(t, err, &execErr)
}

func TestExecuteToolUnknownToolReturnsNotFound(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "helper", `
id: helper
name: Helper
version: "1.0.0"
`)
	m, err := New(context.Background(), root, telemetry.Noop())
	require.NoError(t, err)

	_, _, err = m.ExecuteTool(context.Background(), "helper", "does-not-exist", nil)
	require.Error(t, err)

	var notFound *ErrToolNotFound
	require.ErrorAs(t, err, &notFound)
}
