// Package process adapts external commands into engine tools. Hosts declare
// the commands in a YAML file (or register them programmatically); the
// adapter never executes anything outside that allow-list.
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

// Command is one allow-listed executable invocation.
type Command struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Tool is a ports.Tool backed by external commands. Item parameters are
// passed as environment variables rather than argv, which keeps hostile
// content out of flag parsing.
type Tool struct {
	kind     string
	caps     ports.Capabilities
	analyze  Command
	generate Command
	execute  Command
	baseDir  string
}

// Option configures the Tool.
type Option func(*Tool)

// WithAnalyzeCommand sets the command that parses the user's message. It
// receives STAGEHAND_COMMAND and must print a JSON CommandAnalysis.
// Without one, the whole message becomes the topic of a single item.
func WithAnalyzeCommand(c Command) Option {
	return func(t *Tool) { t.analyze = c }
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) Option {
	return func(t *Tool) { t.baseDir = dir }
}

// NewTool creates a process-backed tool. generate receives STAGEHAND_TOPIC
// and STAGEHAND_COUNT and prints drafts (a JSON array, or one draft per
// line); execute receives STAGEHAND_ITEM (the item as JSON) plus the raw
// content on stdin.
func NewTool(kind string, caps ports.Capabilities, generate, execute Command, opts ...Option) *Tool {
	t := &Tool{
		kind:     kind,
		caps:     caps,
		generate: generate,
		execute:  execute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Kind() string { return t.kind }

func (t *Tool) Capabilities() ports.Capabilities { return t.caps }

func (t *Tool) AnalyzeCommand(ctx context.Context, command string) (*domain.CommandAnalysis, error) {
	if t.analyze.Command == "" {
		return &domain.CommandAnalysis{Topic: command, ItemCount: 1}, nil
	}

	out, err := t.run(ctx, t.analyze, nil, map[string]string{"COMMAND": command})
	if err != nil {
		return nil, fmt.Errorf("analyze command: %w", err)
	}

	var analysis domain.CommandAnalysis
	if err := json.Unmarshal([]byte(out), &analysis); err != nil {
		return nil, fmt.Errorf("analyze command produced invalid JSON: %w", err)
	}
	if analysis.ItemCount <= 0 {
		analysis.ItemCount = 1
	}
	return &analysis, nil
}

func (t *Tool) GenerateContent(ctx context.Context, topic string, count int) ([]domain.ItemDraft, error) {
	out, err := t.run(ctx, t.generate, nil, map[string]string{
		"TOPIC": topic,
		"COUNT": fmt.Sprintf("%d", count),
	})
	if err != nil {
		return nil, fmt.Errorf("generate command: %w", err)
	}

	trimmed := strings.TrimSpace(out)

	// JSON array auto-detection, line-per-draft fallback.
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		var drafts []domain.ItemDraft
		if err := json.Unmarshal([]byte(trimmed), &drafts); err == nil {
			return drafts, nil
		}
	}

	var drafts []domain.ItemDraft
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		drafts = append(drafts, domain.ItemDraft{Raw: line})
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("generate command produced no drafts")
	}
	return drafts, nil
}

func (t *Tool) ExecuteScheduled(ctx context.Context, item *domain.Item) (*domain.ExecutionResult, error) {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshaling item: %w", err)
	}

	out, err := t.run(ctx, t.execute, strings.NewReader(item.Content.Raw), map[string]string{
		"ITEM": string(itemJSON),
	})
	if err != nil {
		// An execution failure is an outcome, not a transport error: the
		// engine records it on the item and does not retry.
		return &domain.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	result := &domain.ExecutionResult{Success: true}
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		var parsed map[string]any
		if jsonErr := json.Unmarshal([]byte(trimmed), &parsed); jsonErr == nil {
			result.Result = parsed
			return result, nil
		}
	}
	if trimmed != "" {
		result.Result = map[string]any{"output": trimmed}
	}
	return result, nil
}

// run executes one allow-listed command with STAGEHAND_* environment
// variables and returns its stdout.
func (t *Tool) run(ctx context.Context, c Command, stdin *strings.Reader, env map[string]string) (string, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = t.baseDir
	if stdin != nil {
		cmd.Stdin = stdin
	}

	extra := make([]string, 0, len(env))
	for k, v := range env {
		extra = append(extra, fmt.Sprintf("STAGEHAND_%s=%s", k, v))
	}
	cmd.Env = append(cmd.Environ(), extra...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("execution failed: %v. Stderr: %s", err, stderr.String())
	}
	return stdout.String(), nil
}
