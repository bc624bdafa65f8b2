package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapAction(t *testing.T) {
	cases := []struct {
		decision string
		want     ApprovalAction
	}{
		{"full_approval", ActionFullApproval},
		{"  Partial_Approval ", ActionPartialApproval},
		{"regenerate_all", ActionRegenerateAll},
		{"exit", ActionExit},
		{"awaiting_input", ActionAwaitingInput},

		// Substring degradation: classifier wrapped the action in prose.
		{"the user wants full_approval of everything", ActionFullApproval},
		{"decision: exit the flow", ActionExit},

		// Regeneration hints without the action token.
		{"they asked to redo all of them", ActionRegenerateAll},
		{"please rewrite these", ActionRegenerateAll},

		{"", ActionError},
		{"purchase more compute", ActionError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MapAction(tc.decision), "decision %q", tc.decision)
	}
}

func TestNormalizeIndices(t *testing.T) {
	// One-based, as presented to the user.
	assert.Equal(t, []int{0, 2}, NormalizeIndices([]int{1, 3}, 3))

	// A zero anywhere means the set is already zero-based.
	assert.Equal(t, []int{0, 1, 2}, NormalizeIndices([]int{0, 1, 2}, 3))

	// Out-of-range and duplicates are dropped.
	assert.Equal(t, []int{1}, NormalizeIndices([]int{2, 2, 9}, 3))

	assert.Nil(t, NormalizeIndices(nil, 3))
}
