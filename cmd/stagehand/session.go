package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/amberflow/stagehand"
	"github.com/amberflow/stagehand/internal/presentation/graph"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions and operations",
	Long: `Inspect the active operation of a session, or the items and schedule of
an operation, against the configured store. Pair with the redis backend to
look into a running deployment.`,
}

var sessionInspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Show the session's active operation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng := getEngine(cmd)
		op, err := eng.ActiveOperation(cmd.Context(), args[0])
		if err != nil {
			fmt.Printf("Error loading session '%s': %v\n", args[0], err)
			os.Exit(1)
		}
		printJSON(op)
	},
}

var sessionItemsCmd = &cobra.Command{
	Use:   "items <operation-id>",
	Short: "List the items of an operation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng := getEngine(cmd)
		items, err := eng.Items(cmd.Context(), args[0])
		if err != nil {
			fmt.Printf("Error listing items for '%s': %v\n", args[0], err)
			os.Exit(1)
		}
		if len(items) == 0 {
			fmt.Println("No items found.")
			return
		}
		printJSON(items)
	},
}

var sessionScheduleCmd = &cobra.Command{
	Use:   "schedule <operation-id>",
	Short: "Show the schedule of an operation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng := getEngine(cmd)
		sched, err := eng.Schedule(cmd.Context(), args[0])
		if err != nil {
			fmt.Printf("Error loading schedule for '%s': %v\n", args[0], err)
			os.Exit(1)
		}
		printJSON(sched)
	},
}

var sessionGraphCmd = &cobra.Command{
	Use:   "graph <operation-id>",
	Short: "Render the operation's lifecycle as a Mermaid diagram",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng := getEngine(cmd)
		op, err := eng.Operation(cmd.Context(), args[0])
		if err != nil {
			fmt.Printf("Error loading operation '%s': %v\n", args[0], err)
			os.Exit(1)
		}
		fmt.Println(graph.GenerateMermaid(op))
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionInspectCmd)
	sessionCmd.AddCommand(sessionItemsCmd)
	sessionCmd.AddCommand(sessionScheduleCmd)
	sessionCmd.AddCommand(sessionGraphCmd)
}

func getEngine(cmd *cobra.Command) *stagehand.Engine {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	eng, _, _, err := buildEngine(cfg)
	if err != nil {
		fmt.Printf("Error initializing stagehand: %v\n", err)
		os.Exit(1)
	}
	return eng
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
