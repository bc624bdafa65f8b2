package domain

import "strings"

// ApprovalAction is the closed set of outcomes a classifier decision maps to.
type ApprovalAction string

const (
	ActionFullApproval    ApprovalAction = "full_approval"
	ActionPartialApproval ApprovalAction = "partial_approval"
	ActionRegenerateAll   ApprovalAction = "regenerate_all"
	ActionExit            ApprovalAction = "exit"
	ActionAwaitingInput   ApprovalAction = "awaiting_input"
	ActionError           ApprovalAction = "error"
)

var knownActions = []ApprovalAction{
	ActionFullApproval,
	ActionPartialApproval,
	ActionRegenerateAll,
	ActionExit,
	ActionAwaitingInput,
}

// regenerateHints catches decisions that describe regeneration without naming
// the action ("please redo these", "write them again").
var regenerateHints = []string{"regenerate", "redo", "rewrite", "again"}

// MapAction resolves a classifier's free-text decision to an ApprovalAction.
// Resolution degrades gracefully: exact match first, then substring match
// against the known action names, then regeneration hint words, and only then
// ActionError. The classifier is an LLM; its output drifts, so the looser
// tiers keep the protocol usable when the exact token is missing.
func MapAction(decision string) ApprovalAction {
	text := strings.ToLower(strings.TrimSpace(decision))
	if text == "" {
		return ActionError
	}
	for _, a := range knownActions {
		if text == string(a) {
			return a
		}
	}
	for _, a := range knownActions {
		if strings.Contains(text, string(a)) {
			return a
		}
	}
	for _, hint := range regenerateHints {
		if strings.Contains(text, hint) {
			return ActionRegenerateAll
		}
	}
	return ActionError
}

// NormalizeIndices converts the classifier's item references to zero-based
// positions into a list of length n. Indices are expected one-based, matching
// the numbering shown to the user; a 0 anywhere signals the whole set is
// already zero-based. Out-of-range and duplicate entries are dropped.
func NormalizeIndices(indices []int, n int) []int {
	if len(indices) == 0 {
		return nil
	}
	shift := 1
	for _, idx := range indices {
		if idx == 0 {
			shift = 0
			break
		}
	}
	seen := make(map[int]bool, len(indices))
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		pos := idx - shift
		if pos < 0 || pos >= n || seen[pos] {
			continue
		}
		seen[pos] = true
		out = append(out, pos)
	}
	return out
}
