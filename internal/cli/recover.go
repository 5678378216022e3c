package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	recoverCmd := &cobra.Command{
		Use:   "recover <discrepancy-id>",
		Short: "Run one recovery attempt for a flagged discrepancy",
		Args:  cobra.ExactArgs(1),
		Run:   runRecover,
	}

	discrepanciesCmd := &cobra.Command{
		Use:   "discrepancies <project-id>",
		Short: "List a project's open discrepancies",
		Args:  cobra.ExactArgs(1),
		Run:   runDiscrepancies,
	}

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint <attempt-id>",
		Short: "Show the pre-repair checkpoint of a recovery attempt",
		Args:  cobra.ExactArgs(1),
		Run:   runCheckpoint,
	}

	RootCmd.AddCommand(recoverCmd, discrepanciesCmd, checkpointCmd)
}

func runRecover(cmd *cobra.Command, args []string) {
	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	attempt, err := e.TriggerRecovery(cmd.Context(), args[0])
	if attempt != nil {
		printJSON(attempt)
	}
	if err != nil {
		exitErr("recover", err)
	}
}

func runDiscrepancies(cmd *cobra.Command, args []string) {
	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	open, err := e.OpenDiscrepancies(cmd.Context(), args[0])
	if err != nil {
		exitErr("list discrepancies", err)
	}
	printJSON(open)
}

func runCheckpoint(cmd *cobra.Command, args []string) {
	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	cp, err := e.Checkpoint(cmd.Context(), args[0])
	if err != nil {
		exitErr("checkpoint", err)
	}
	printJSON(cp)
}
