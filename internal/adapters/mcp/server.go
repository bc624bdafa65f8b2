// Package mcp exposes the engine as a Model Context Protocol server, letting
// AI agents drive operations as tools over stdio or SSE.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/amberflow/stagehand"
)

// MessageResponse is the structured result of send_message.
type MessageResponse struct {
	Text        string `json:"text" jsonschema_description:"Engine reply to present to the user"`
	OperationID string `json:"operation_id" jsonschema_description:"Operation the message belongs to"`
	Ended       bool   `json:"ended" jsonschema_description:"True when the session has no active operation left"`
}

// Server wraps the engine and exposes it as an MCP Server.
type Server struct {
	engine    *stagehand.Engine
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(engine *stagehand.Engine) *Server {
	s := &Server{
		engine:    engine,
		mcpServer: server.NewMCPServer("stagehand-mcp", stagehand.Version),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE starts the server on the given port using SSE.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	// TOOL: send_message
	sendTool := mcp.NewTool("send_message",
		mcp.WithDescription("Send a user message into a session. Starts a new operation or continues the active one (approval replies, cancellation)."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session the message belongs to")),
		mcp.WithString("tool_kind", mcp.Description("Tool kind for a new operation (ignored when one is active)")),
		mcp.WithString("text", mcp.Required(), mcp.Description("The user's message")),
		mcp.WithOutputSchema[MessageResponse](),
	)
	s.mcpServer.AddTool(sendTool, mcp.NewStructuredToolHandler(s.handleSendMessage))

	// TOOL: get_operation
	s.mcpServer.AddTool(mcp.NewTool("get_operation",
		mcp.WithDescription("Get an operation document, including its state history."),
		mcp.WithString("operation_id", mcp.Required(), mcp.Description("Operation ID")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, _ := request.GetArguments()["operation_id"].(string)
		op, err := s.engine.Operation(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get operation failed: %v", err)), nil
		}
		jsonBytes, _ := json.Marshal(op)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})

	// TOOL: list_items
	s.mcpServer.AddTool(mcp.NewTool("list_items",
		mcp.WithDescription("List an operation's items with their status and results."),
		mcp.WithString("operation_id", mcp.Required(), mcp.Description("Operation ID")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, _ := request.GetArguments()["operation_id"].(string)
		items, err := s.engine.Items(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list items failed: %v", err)), nil
		}
		jsonBytes, _ := json.Marshal(items)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})

	// TOOL: get_schedule
	s.mcpServer.AddTool(mcp.NewTool("get_schedule",
		mcp.WithDescription("Get an operation's schedule."),
		mcp.WithString("operation_id", mcp.Required(), mcp.Description("Operation ID")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, _ := request.GetArguments()["operation_id"].(string)
		sched, err := s.engine.Schedule(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get schedule failed: %v", err)), nil
		}
		jsonBytes, _ := json.Marshal(sched)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})

	// TOOLs: pause/resume/cancel schedule
	for name, do := range map[string]func(context.Context, string) error{
		"pause_schedule":  s.engine.PauseSchedule,
		"resume_schedule": s.engine.ResumeSchedule,
		"cancel_schedule": s.engine.CancelSchedule,
	} {
		action := do
		s.mcpServer.AddTool(mcp.NewTool(name,
			mcp.WithDescription(fmt.Sprintf("%s for an operation.", name)),
			mcp.WithString("operation_id", mcp.Required(), mcp.Description("Operation ID")),
		), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, _ := request.GetArguments()["operation_id"].(string)
			if err := action(ctx, id); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(`{"ok":true}`), nil
		})
	}
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (MessageResponse, error) {
	sessionID, _ := args["session_id"].(string)
	toolKind, _ := args["tool_kind"].(string)
	text, _ := args["text"].(string)

	reply, err := s.engine.Handle(ctx, sessionID, toolKind, text)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("handle failed: %w", err)
	}
	return MessageResponse{
		Text:        reply.Text,
		OperationID: reply.OperationID,
		Ended:       reply.Ended,
	}, nil
}

func (s *Server) registerResources() {
	// EXPOSE: stagehand://tools
	s.mcpServer.AddResource(mcp.NewResource("stagehand://tools", "Registered Tool Kinds",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jsonBytes, _ := json.Marshal(s.engine.ToolKinds())
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "stagehand://tools",
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})
}
