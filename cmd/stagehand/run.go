package main

import (
	"fmt"
	"os"

	"github.com/amberflow/stagehand/internal/cli"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an interactive session against the built-in tweet tool",
	Long: `Starts the engine with the demo tweet tool and reads commands from stdin.
Try: "schedule three tweets about AI over the next hour", then approve,
reject or regenerate the drafts it presents.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		sessionID, _ := cmd.Flags().GetString("session")
		if sessionID == "" {
			sessionID = "local"
		}

		eng, logger, _, err := buildEngine(cfg)
		if err != nil {
			fmt.Printf("Error initializing stagehand: %v\n", err)
			os.Exit(1)
		}
		if err := registerTools(eng, cfg); err != nil {
			fmt.Printf("Error loading tools: %v\n", err)
			os.Exit(1)
		}

		if err := cli.RunSession(eng, logger, sessionID, "tweet"); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("session", "local", "Session ID to attach to")

	// Make 'run' the default when no subcommand is given.
	rootCmd.Run = runCmd.Run
}
