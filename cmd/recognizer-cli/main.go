// Package main provides recognizer-cli, the operator's admin tool:
// inspect blob records, list running workflow executions, and resume an
// execution that a dead host left parked.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/blob-recognizer/internal/boot"
	"github.com/fpang/blob-recognizer/internal/logging"
)

var deps boot.Deps

var rootCmd = &cobra.Command{
	Use:   "recognizer-cli",
	Short: "Admin tool for the blob recognizer",
	Long: `recognizer-cli inspects and repairs recognizer state.

Examples:
  recognizer-cli blob 6f1c7a52-6f0e-4a5b-9a3f-2d1f0c9b8e7d
  recognizer-cli executions
  recognizer-cli resume exec-1f6c0d9e2b4a48c39f7e5d1a0b3c6e8f`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initStart := time.Now()
		logging.Init()
		deps = boot.InitService("recognizer-cli", initStart)
	},
}

var blobCmd = &cobra.Command{
	Use:   "blob <blob-id>",
	Short: "Show the record for a blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := deps.Records.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List running workflow executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		running, err := deps.Executions.ListRunning(context.Background())
		if err != nil {
			return err
		}
		if len(running) == 0 {
			fmt.Println("no running executions")
			return nil
		}
		for _, exec := range running {
			wake := "-"
			if exec.WakeAt != nil {
				wake = exec.WakeAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-12s  %-24s  attempt=%d  wakeAt=%s\n",
				exec.ExecutionID, exec.Workflow, exec.CurrentState, exec.Attempt, wake)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Resume a parked or interrupted execution",
	Long: `Resume re-enters one running execution: a parked wait re-arms its
timer and an interrupted task re-dispatches. Safe to run while other hosts
are working — conditional advances guarantee a single winner per step.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := deps.Executor.Resume(context.Background(), args[0]); err != nil {
			return err
		}
		exec, err := deps.Executions.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		log.Info().
			Str("executionId", exec.ExecutionID).
			Str("state", exec.CurrentState).
			Str("runState", string(exec.RunState)).
			Msg("Execution resumed")
		return printJSON(exec)
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	rootCmd.AddCommand(blobCmd, executionsCmd, resumeCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
