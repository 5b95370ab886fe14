package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskmirror/taskmirror/internal/config"
	"github.com/taskmirror/taskmirror/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP sync server",
	Long: `Start an HTTP server that triggers syncs on demand.

Endpoints:
  GET/POST /sync    Run one reconciliation pass and return its summary
  GET      /runs    Recent run history (?n=20 to adjust the count)
  GET      /health  Health check
  WS       /ws      Live feed of completed run summaries

A run that aborts before doing useful work (bad credentials, listing
failure) answers 500. A run that completes with per-entity errors still
answers 200 with status "partial_success".

Example usage:
  tm serve                   # Listen on the configured port (default 8080)
  tm serve --port 9000       # Listen on a custom port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}

		logger := log.New(os.Stderr, "[tm] ", log.LstdFlags)
		if cfg.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			})
		}

		eng, st, err := buildEngine(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		srv := server.NewServer(eng, st, &server.Config{
			Port:   cfg.Port,
			Logger: logger,
		})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		fmt.Printf("Sync server started on http://localhost:%d\n", cfg.Port)
		fmt.Printf("Trigger a sync: http://localhost:%d/sync\n", cfg.Port)
		fmt.Printf("WebSocket feed: ws://localhost:%d/ws\n", cfg.Port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down sync server...")
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}

		fmt.Println("Sync server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides configuration)")
	rootCmd.AddCommand(serveCmd)
}
