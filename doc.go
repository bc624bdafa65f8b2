// Package stagehand is a tool operation lifecycle engine: a persistence-backed
// state machine that turns a single user intent ("schedule three tweets about
// AI") into a supervised, multi-step workflow with content generation,
// human-in-the-loop approval, time- or condition-based scheduling, and
// eventual execution.
//
// Operations, their generated Items and their Schedules live in a pluggable
// document store (in-memory or Redis), so workflows survive process restarts.
// External collaborators - the classifier that interprets review replies, the
// tools that generate and execute content, and the condition source watched
// by monitored items - plug in through the narrow interfaces in pkg/ports.
//
// Typical embedding:
//
//	eng, err := stagehand.New(
//		stagehand.WithStore(redisstore),
//		stagehand.WithClassifier(llmClassifier),
//	)
//	if err != nil { ... }
//	eng.RegisterTool(tweetTool)
//	go eng.Run(ctx)
//
//	reply, err := eng.Handle(ctx, sessionID, "tweet", userMessage)
package stagehand
