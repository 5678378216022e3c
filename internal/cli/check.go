package cli

import (
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "check <project-id>",
		Short: "Compare a project's patterns across all stores",
		Args:  cobra.ExactArgs(1),
		Run:   runCheck,
	}

	cmd.Flags().StringP("types", "t", "", "Pattern types to check (comma-separated, default: all)")

	RootCmd.AddCommand(cmd)
}

func runCheck(cmd *cobra.Command, args []string) {
	typesStr, _ := cmd.Flags().GetString("types")

	var types []pattern.PatternType
	for _, s := range splitList(typesStr) {
		t, err := pattern.ParsePatternType(s)
		if err != nil {
			exitErr("check", err)
		}
		types = append(types, t)
	}

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	report, err := e.CheckConsistency(cmd.Context(), args[0], types)
	if err != nil {
		exitErr("check", err)
	}
	printJSON(report)
}
