package main

import (
	"os"

	"github.com/dan-solli/patternguard/internal/cli"
	"github.com/joho/godotenv"
)

func init() {
	godotenv.Load()
}

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
