// Package cli implements the patternguard CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dan-solli/patternguard/pkg/config"
	"github.com/dan-solli/patternguard/pkg/patternguard"
	"github.com/spf13/cobra"
)

var configPath string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "patternguard",
	Short: "Memory correctness and cross-database consistency checks",
	Long: "Validates patterns against the relational system of record, compares the graph, " +
		"vector and cache replicas, reports project health and repairs drift.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $PATTERNGUARD_CONFIG)")
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("PATTERNGUARD_CONFIG")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("PATTERNGUARD_DEBUG") == "true" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openEngine() (*patternguard.Engine, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, err
	}
	e, err := patternguard.Open(cfg)
	if err != nil {
		return nil, err
	}
	return e.WithLogger(newLogger()), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
