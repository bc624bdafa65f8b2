package stagehand_test

import (
	"context"
	"fmt"

	"github.com/amberflow/stagehand"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

type echoTool struct{}

func (echoTool) Kind() string { return "echo" }

func (echoTool) Capabilities() ports.Capabilities {
	return ports.Capabilities{ContentType: "text"}
}

func (echoTool) AnalyzeCommand(ctx context.Context, command string) (*domain.CommandAnalysis, error) {
	return &domain.CommandAnalysis{Topic: command, ItemCount: 1}, nil
}

func (echoTool) GenerateContent(ctx context.Context, topic string, count int) ([]domain.ItemDraft, error) {
	return []domain.ItemDraft{{Raw: topic}}, nil
}

func (echoTool) ExecuteScheduled(ctx context.Context, item *domain.Item) (*domain.ExecutionResult, error) {
	return &domain.ExecutionResult{Success: true}, nil
}

// A tool with neither approval nor scheduling executes within the turn and
// completes the operation immediately.
func ExampleEngine_Handle() {
	eng, err := stagehand.New()
	if err != nil {
		panic(err)
	}
	eng.RegisterTool(echoTool{})

	reply, err := eng.Handle(context.Background(), "docs", "echo", "hello")
	if err != nil {
		panic(err)
	}
	fmt.Println(reply.Ended)
	// Output: true
}
