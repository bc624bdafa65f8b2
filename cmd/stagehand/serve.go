package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amberflow/stagehand"
	httpAdapter "github.com/amberflow/stagehand/internal/adapters/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the Stagehand engine in server mode, exposing the message
ingress and the operation inspection API over HTTP. The schedule executor
and monitoring loop run in the background for as long as the server is up.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		if listen, _ := cmd.Flags().GetString("listen"); cmd.Flags().Changed("listen") {
			cfg.Listen = listen
		}

		reg := prometheus.NewRegistry()
		eng, logger, evBus, err := buildEngine(cfg, stagehand.WithMetricsRegistry(reg))
		if err != nil {
			fmt.Printf("Error initializing stagehand: %v\n", err)
			os.Exit(1)
		}
		if err := registerTools(eng, cfg); err != nil {
			fmt.Printf("Error loading tools: %v\n", err)
			os.Exit(1)
		}

		handlerOpts := []httpAdapter.Option{
			httpAdapter.WithLogger(logger),
			httpAdapter.WithMetricsGatherer(reg),
		}
		if evBus != nil {
			handlerOpts = append(handlerOpts, httpAdapter.WithEventBus(evBus))
		}

		srv := &http.Server{
			Addr:    cfg.Listen,
			Handler: httpAdapter.NewHandler(eng, handlerOpts...),
		}

		// Background loops share the server's lifetime.
		loopCtx, stopLoops := context.WithCancel(context.Background())
		defer stopLoops()
		go func() {
			if err := eng.Run(loopCtx); err != nil && loopCtx.Err() == nil {
				logger.Error("background loops stopped", "error", err)
			}
		}()

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)

		go func() {
			fmt.Printf("Starting Stagehand Server on %s\n", srv.Addr)
			fmt.Printf("Store backend: %s, bus backend: %s\n", cfg.Store.Backend, cfg.Bus.Backend)
			serverErrors <- srv.ListenAndServe()
		}()

		// Channel to listen for interrupt or terminate signals.
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		// Blocking main and waiting for shutdown.
		select {
		case err := <-serverErrors:
			// Error when starting HTTP server.
			fmt.Printf("Server error: %v\n", err)
			os.Exit(1)

		case sig := <-shutdown:
			fmt.Printf("\nStart shutdown... Signal: %v\n", sig)
			stopLoops()

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// Asking listener to shut down and shed load.
			if err := srv.Shutdown(ctx); err != nil {
				fmt.Printf("Graceful shutdown did not complete in %v: %v\n", 5*time.Second, err)
				if err := srv.Close(); err != nil {
					fmt.Printf("Error killing server: %v\n", err)
				}
			}
			fmt.Println("Stagehand Server stopped gracefully")
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("listen", "l", ":8080", "Address to listen on (overrides config)")
}
