// Package main provides recognizerd, the long-running recognizer host. It
// serves the same HTTP front door as api-lambda and owns the workflow
// executor: parked executions are resumed at startup and swept periodically
// so executions created by other hosts (api-lambda writes to the same
// table) make progress here.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/blob-recognizer/internal/boot"
	"github.com/fpang/blob-recognizer/internal/httpapi"
	"github.com/fpang/blob-recognizer/internal/logging"
)

var (
	portFlag  int
	sweepFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "recognizerd",
	Short: "Blob recognizer host",
	Long: `recognizerd serves the blob API and runs the workflow executor.

In-flight executions are resumed from the shared DynamoDB table at startup
and re-scanned periodically, so a crash or a deploy never loses a workflow.

Examples:
  recognizerd
  recognizerd --port 9090 --sweep-interval 10s`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	rootCmd.Flags().DurationVar(&sweepFlag, "sweep-interval", 30*time.Second,
		"How often to scan for running executions created elsewhere")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	initStart := time.Now()
	logging.Init()

	deps := boot.InitService("recognizerd", initStart)
	executor := deps.Executor

	ctx := context.Background()
	if err := executor.ResumeAll(ctx); err != nil {
		log.Error().Err(err).Msg("Initial execution resume failed; sweep will retry")
	}

	// Periodic sweep: re-arm anything parked in the table, including
	// executions started by api-lambda instances that cannot run timers.
	// Conditional advances make overlapping sweeps safe.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepFlag)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := executor.ResumeAll(ctx); err != nil {
					log.Error().Err(err).Msg("Execution sweep failed")
				}
			case <-sweepDone:
				return
			}
		}
	}()

	mux := httpapi.NewHandler(deps.Service).Mux()
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", portFlag),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("recognizerd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("Shutting down")

	close(sweepDone)
	executor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
}
