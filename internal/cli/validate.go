package cli

import (
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "validate <pattern-id>",
		Short: "Validate one pattern's integrity",
		Args:  cobra.ExactArgs(1),
		Run:   runValidate,
	}

	cmd.Flags().StringP("type", "t", "", "Pattern type (required)")
	cmd.Flags().Bool("deep", false, "Compare every replica, not just the system of record")
	cmd.MarkFlagRequired("type")

	RootCmd.AddCommand(cmd)
}

func runValidate(cmd *cobra.Command, args []string) {
	typeStr, _ := cmd.Flags().GetString("type")
	deep, _ := cmd.Flags().GetBool("deep")

	typ, err := pattern.ParsePatternType(typeStr)
	if err != nil {
		exitErr("validate", err)
	}

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	result, err := e.ValidatePattern(cmd.Context(), args[0], typ, deep)
	if err != nil {
		exitErr("validate", err)
	}
	printJSON(result)
}
