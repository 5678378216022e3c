package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "health <project-id>",
		Short: "Show a project's health",
		Args:  cobra.ExactArgs(1),
		Run:   runHealth,
	}

	cmd.Flags().Bool("refresh", false, "Re-check the project before reporting")

	RootCmd.AddCommand(cmd)
}

func runHealth(cmd *cobra.Command, args []string) {
	refresh, _ := cmd.Flags().GetBool("refresh")

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	if refresh {
		status, err := e.RefreshHealth(cmd.Context(), args[0])
		if err != nil {
			exitErr("refresh health", err)
		}
		printJSON(status)
		return
	}
	printJSON(e.GetHealth(cmd.Context(), args[0]))
}
