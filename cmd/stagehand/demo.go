package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/amberflow/stagehand/pkg/ports"
)

// tweetTool is the built-in demo tool: it drafts short posts about a topic
// and "publishes" them to stdout. Real hosts register their own tools
// against the engine instead.
type tweetTool struct{}

func newTweetTool() *tweetTool { return &tweetTool{} }

func (t *tweetTool) Kind() string { return "tweet" }

func (t *tweetTool) Capabilities() ports.Capabilities {
	return ports.Capabilities{
		ContentType:        "tweet",
		RequiresApproval:   true,
		RequiresScheduling: true,
	}
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

func (t *tweetTool) AnalyzeCommand(ctx context.Context, command string) (*domain.CommandAnalysis, error) {
	lower := strings.ToLower(command)

	count := 3
	for _, w := range strings.Fields(lower) {
		if n, err := strconv.Atoi(w); err == nil && n > 0 && n <= 25 {
			count = n
			break
		}
		if n, ok := numberWords[strings.Trim(w, ".,!?")]; ok {
			count = n
			break
		}
	}

	topic := "something interesting"
	if _, after, ok := strings.Cut(lower, "about "); ok {
		topic = strings.TrimRight(strings.TrimSpace(after), ".!?")
	}

	plan := map[string]any{
		"kind":     string(domain.KindSpread),
		"interval": 20 * time.Minute,
	}
	if strings.Contains(lower, "now") || strings.Contains(lower, "immediately") {
		plan = map[string]any{"kind": string(domain.KindImmediate)}
	} else if strings.Contains(lower, "hour") {
		plan = map[string]any{
			"kind":   string(domain.KindSpread),
			"window": time.Hour,
		}
	}

	return &domain.CommandAnalysis{
		Topic:        topic,
		ItemCount:    count,
		SchedulePlan: plan,
	}, nil
}

func (t *tweetTool) GenerateContent(ctx context.Context, topic string, count int) ([]domain.ItemDraft, error) {
	angles := []string{
		"Hot take: %s is moving faster than anyone expected. Worth watching closely.",
		"Three things people get wrong about %s. A thread for another day, but start with this: it's not hype.",
		"The most underrated part of %s? The boring infrastructure making it all work.",
		"Every week %s surprises me. This week was no exception.",
		"If you only follow one thing this year, make it %s.",
	}
	drafts := make([]domain.ItemDraft, 0, count)
	for i := 0; i < count; i++ {
		raw := fmt.Sprintf(angles[i%len(angles)], topic)
		drafts = append(drafts, domain.ItemDraft{
			Raw:       raw,
			Formatted: raw,
		})
	}
	return drafts, nil
}

func (t *tweetTool) ExecuteScheduled(ctx context.Context, item *domain.Item) (*domain.ExecutionResult, error) {
	// The demo "publishes" to stdout.
	fmt.Printf("[tweet] %s\n", item.Content.Raw)
	return &domain.ExecutionResult{
		Success: true,
		Result:  map[string]any{"posted_at": time.Now().UTC().Format(time.RFC3339)},
	}, nil
}
