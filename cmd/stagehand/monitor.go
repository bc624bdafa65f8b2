package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/amberflow/stagehand"
	"github.com/amberflow/stagehand/pkg/domain"
	"github.com/spf13/cobra"
)

// fixedSource is a condition source that always reports the same value.
// It exists so monitored items can be exercised without a live feed.
type fixedSource struct{ value float64 }

func (s fixedSource) CurrentValue(ctx context.Context, item *domain.Item) (float64, error) {
	return s.value, nil
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the background loops without the ingress surfaces",
	Long: `Runs the schedule executor and, when an oracle value is given, the
monitoring loop, against the configured store. Use this to own scheduled
execution in a separate process from the one accepting messages; the store's
conditional writes keep the two from executing the same item twice.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		var extra []stagehand.Option
		if cmd.Flags().Changed("oracle-value") {
			value, _ := cmd.Flags().GetFloat64("oracle-value")
			extra = append(extra, stagehand.WithConditionSource(fixedSource{value: value}))
		}

		eng, logger, _, err := buildEngine(cfg, extra...)
		if err != nil {
			fmt.Printf("Error initializing stagehand: %v\n", err)
			os.Exit(1)
		}
		if err := registerTools(eng, cfg); err != nil {
			fmt.Printf("Error loading tools: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("background loops started",
			"store", cfg.Store.Backend,
			"executor_tick", cfg.Executor.Tick,
			"monitor_tick", cfg.Monitor.Tick)

		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Printf("Loop error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Background loops stopped gracefully")
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().Float64("oracle-value", 0, "Fixed condition value for the monitoring loop")
}
