package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/amberflow/stagehand"
	"github.com/amberflow/stagehand/internal/presentation/tui"
	"golang.org/x/term"
)

// RunSession drives one interactive chat session against the engine: it
// reads commands from stdin, routes them to the given tool kind, and renders
// replies. The background loops run for the lifetime of the prompt so
// scheduled items fire while it is open.
func RunSession(eng *stagehand.Engine, logger *slog.Logger, sessionID, toolKind string) error {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	render := func(s string) string { return s }
	if interactive {
		tui.PrintBanner(stagehand.Version)
		r := tui.NewRenderer()
		render = func(s string) string {
			out, err := r(s)
			if err != nil {
				return s
			}
			return out
		}
	}

	sigCtx := NewSignalContext(context.Background())
	defer sigCtx.Cancel()

	go func() {
		if err := eng.Run(sigCtx); err != nil && sigCtx.Err() == nil {
			logger.Error("background loops stopped", "error", err)
		}
	}()

	if interactive {
		printSystemMessage("Session '%s' active. Type a command, or 'quit' to leave.", sessionID)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == "quit" || line == "q" {
			break
		}
		if sigCtx.Err() != nil {
			break
		}

		reply, err := eng.Handle(sigCtx, sessionID, toolKind, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Println(render(reply.Text))
		if reply.Ended && interactive {
			printSystemMessage("Operation finished. Type a new command to start another.")
		}
	}

	if sig := sigCtx.Signal(); sig != nil && interactive {
		printSystemMessage("Interrupted (%v).", sig)
	}

	return scanner.Err()
}
