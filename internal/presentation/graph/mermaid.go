// Package graph renders lifecycle diagrams for inspection commands.
package graph

import (
	"fmt"
	"strings"

	"github.com/amberflow/stagehand/pkg/domain"
)

// lifecycleStates lists every state in display order.
var lifecycleStates = []domain.State{
	domain.StateInactive,
	domain.StateCollecting,
	domain.StateApproving,
	domain.StateExecuting,
	domain.StateCompleted,
	domain.StateCancelled,
	domain.StateError,
}

// GenerateMermaid produces a Mermaid state diagram of the operation
// lifecycle. When op is non-nil, states the operation has passed through are
// highlighted and its current state is marked.
func GenerateMermaid(op *domain.Operation) string {
	var sb strings.Builder
	sb.WriteString("stateDiagram-v2\n")
	sb.WriteString(fmt.Sprintf("    [*] --> %s\n", domain.StateInactive))

	for _, from := range lifecycleStates {
		if from.Terminal() {
			sb.WriteString(fmt.Sprintf("    %s --> [*]\n", from))
			continue
		}
		for _, to := range lifecycleStates {
			if from == to || !domain.CanTransition(from, to) {
				continue
			}
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", from, to))
		}
	}

	if op != nil {
		sb.WriteString("    classDef visited fill:#fef3c7,color:#000\n")
		sb.WriteString("    classDef current fill:#f59e0b,color:#000\n")

		visited := map[domain.State]bool{domain.StateInactive: true}
		for _, h := range op.History {
			visited[domain.State(h.State)] = true
		}
		for _, s := range lifecycleStates {
			switch {
			case s == op.State:
				sb.WriteString(fmt.Sprintf("    class %s current\n", s))
			case visited[s]:
				sb.WriteString(fmt.Sprintf("    class %s visited\n", s))
			}
		}
	}

	return sb.String()
}
