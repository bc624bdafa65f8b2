package domain

// Decision is the structured output of the response classifier. The classifier
// is an untrusted free-text oracle: Action is raw text that must be validated
// against the closed ApprovalAction set before use.
type Decision struct {
	Action            string `json:"action"`
	ApprovedIndices   []int  `json:"approved_indices,omitempty"`
	RegenerateIndices []int  `json:"regenerate_indices,omitempty"`
	Rationale         string `json:"rationale,omitempty"`
}

// ItemDraft is one unit of content produced by a tool's generator, before it
// is persisted as an Item.
type ItemDraft struct {
	Raw       string         `json:"raw"`
	Formatted string         `json:"formatted,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CommandAnalysis is what a tool derives from the user's free-form command.
type CommandAnalysis struct {
	Topic        string         `json:"topic"`
	ItemCount    int            `json:"item_count"`
	SchedulePlan map[string]any `json:"schedule_plan,omitempty"`
}

// ExecutionResult is the outcome of a tool executing one scheduled item.
type ExecutionResult struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}
