package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	quarantineCmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Quarantine management",
	}

	listCmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's quarantined patterns",
		Args:  cobra.ExactArgs(1),
		Run:   runQuarantineList,
	}

	clearCmd := &cobra.Command{
		Use:   "clear <pattern-id>",
		Short: "Release a pattern from quarantine",
		Args:  cobra.ExactArgs(1),
		Run:   runQuarantineClear,
	}

	quarantineCmd.AddCommand(listCmd, clearCmd)
	RootCmd.AddCommand(quarantineCmd)
}

func runQuarantineList(cmd *cobra.Command, args []string) {
	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	rows, err := e.Quarantined(cmd.Context(), args[0])
	if err != nil {
		exitErr("list quarantine", err)
	}
	printJSON(rows)
}

func runQuarantineClear(cmd *cobra.Command, args []string) {
	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	if err := e.ClearQuarantine(cmd.Context(), args[0]); err != nil {
		exitErr("clear quarantine", err)
	}
	fmt.Printf("cleared %s\n", args[0])
}
