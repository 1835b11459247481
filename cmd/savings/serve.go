/*
serve.go - HTTP server startup

STARTUP SEQUENCE:
  1. Load TOML config
  2. Initialize SQLite store
  3. Start the notification dispatcher
  4. Create API handler and router
  5. Start the rollover scheduler (config-gated)
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the rollover scheduler and drain notifications
  4. Close database connection
*/
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarna/savings-engine/api"
	"github.com/swarna/savings-engine/config"
	"github.com/swarna/savings-engine/notify"
	"github.com/swarna/savings-engine/store/sqlite"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	dispatcher := notify.NewDispatcher(notify.LogSink{}, cfg.Notify.Buffer)
	defer dispatcher.Close()

	handler := api.NewHandler(store, dispatcher)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})

	interval, err := cfg.CheckIntervalDuration()
	if err != nil {
		return err
	}
	scheduler := api.NewRolloverScheduler(store)
	scheduler.Notifier = dispatcher
	scheduler.CheckInterval = interval
	scheduler.Enabled = cfg.Rollover.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://%s", cfg.Addr())
		log.Printf("API available at http://%s/api", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	log.Println("Server stopped")
	return nil
}
