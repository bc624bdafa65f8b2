package process

import (
	"fmt"
	"os"

	"github.com/amberflow/stagehand/pkg/ports"
	"gopkg.in/yaml.v3"
)

// ToolConfig declares one process-backed tool in tools.yaml.
type ToolConfig struct {
	Kind               string  `yaml:"kind" json:"kind"`
	ContentType        string  `yaml:"content_type" json:"content_type"`
	RequiresApproval   bool    `yaml:"requires_approval" json:"requires_approval"`
	RequiresScheduling bool    `yaml:"requires_scheduling" json:"requires_scheduling"`
	Analyze            Command `yaml:"analyze,omitempty" json:"analyze,omitempty"`
	Generate           Command `yaml:"generate" json:"generate"`
	Execute            Command `yaml:"execute" json:"execute"`
}

// ConfigFile represents the structure of tools.yaml.
type ConfigFile struct {
	Tools []ToolConfig `yaml:"tools" json:"tools"`
}

// LoadTools reads tools.yaml and builds the declared tools. A missing file
// means no tools configured, not an error.
func LoadTools(path string) ([]*Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tools config: %w", err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tools config: %w", err)
	}

	tools := make([]*Tool, 0, len(file.Tools))
	for _, tc := range file.Tools {
		if tc.Kind == "" || tc.Generate.Command == "" || tc.Execute.Command == "" {
			return nil, fmt.Errorf("tool config requires kind, generate and execute (got kind %q)", tc.Kind)
		}
		caps := ports.Capabilities{
			ContentType:        tc.ContentType,
			RequiresApproval:   tc.RequiresApproval,
			RequiresScheduling: tc.RequiresScheduling,
		}
		var opts []Option
		if tc.Analyze.Command != "" {
			opts = append(opts, WithAnalyzeCommand(tc.Analyze))
		}
		tools = append(tools, NewTool(tc.Kind, caps, tc.Generate, tc.Execute, opts...))
	}
	return tools, nil
}
