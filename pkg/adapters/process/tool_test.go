package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shCmd(script string) Command {
	return Command{Command: "sh", Args: []string{"-c", script}}
}

func newTestTool(generate, execute Command, opts ...Option) *Tool {
	return NewTool("proc", ports.Capabilities{ContentType: "text"}, generate, execute, opts...)
}

func TestTool_GenerateContent_Lines(t *testing.T) {
	tool := newTestTool(
		shCmd(`printf 'draft one about %s\ndraft two about %s\n' "$STAGEHAND_TOPIC" "$STAGEHAND_TOPIC"`),
		shCmd("true"),
	)

	drafts, err := tool.GenerateContent(context.Background(), "go", 2)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, "draft one about go", drafts[0].Raw)
}

func TestTool_GenerateContent_JSONArray(t *testing.T) {
	tool := newTestTool(
		shCmd(`echo '[{"raw":"a"},{"raw":"b","formatted":"B"}]'`),
		shCmd("true"),
	)

	drafts, err := tool.GenerateContent(context.Background(), "x", 2)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, "B", drafts[1].Formatted)
}

func TestTool_GenerateContent_Empty(t *testing.T) {
	tool := newTestTool(shCmd("true"), shCmd("true"))

	_, err := tool.GenerateContent(context.Background(), "x", 1)
	assert.Error(t, err)
}

func TestTool_AnalyzeCommand_Default(t *testing.T) {
	tool := newTestTool(shCmd("true"), shCmd("true"))

	analysis, err := tool.AnalyzeCommand(context.Background(), "post something")
	require.NoError(t, err)
	assert.Equal(t, "post something", analysis.Topic)
	assert.Equal(t, 1, analysis.ItemCount)
}

func TestTool_AnalyzeCommand_External(t *testing.T) {
	tool := newTestTool(shCmd("true"), shCmd("true"),
		WithAnalyzeCommand(shCmd(`echo '{"topic":"ai","item_count":3}'`)))

	analysis, err := tool.AnalyzeCommand(context.Background(), "three posts about ai")
	require.NoError(t, err)
	assert.Equal(t, "ai", analysis.Topic)
	assert.Equal(t, 3, analysis.ItemCount)
}

func TestTool_ExecuteScheduled(t *testing.T) {
	tool := newTestTool(shCmd("true"), shCmd(`cat >/dev/null; echo '{"posted":true}'`))

	item := &domain.Item{ID: "i1", Content: domain.ItemContent{Raw: "hello"}}
	res, err := tool.ExecuteScheduled(context.Background(), item)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, true, res.Result["posted"])
}

func TestTool_ExecuteScheduled_FailureIsOutcome(t *testing.T) {
	tool := newTestTool(shCmd("true"), shCmd("echo boom >&2; exit 1"))

	res, err := tool.ExecuteScheduled(context.Background(), &domain.Item{ID: "i1"})
	require.NoError(t, err, "a failing command is an execution outcome, not an adapter error")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
}

func TestTool_ExecuteScheduled_Timeout(t *testing.T) {
	tool := newTestTool(shCmd("true"), shCmd("sleep 5"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := tool.ExecuteScheduled(ctx, &domain.Item{ID: "i1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestLoadTools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - kind: shout
    content_type: text
    requires_approval: true
    generate:
      command: sh
      args: ["-c", "echo HELLO"]
    execute:
      command: "true"
`), 0o644))

	tools, err := LoadTools(path)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "shout", tools[0].Kind())
	assert.True(t, tools[0].Capabilities().RequiresApproval)
}

func TestLoadTools_Missing(t *testing.T) {
	tools, err := LoadTools(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestLoadTools_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tools:\n  - kind: broken\n"), 0o644))

	_, err := LoadTools(path)
	assert.Error(t, err)
}
