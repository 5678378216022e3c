package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"decision", "code_change"}, splitList(" decision, ,code_change "))
	assert.Nil(t, splitList(""))
}

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{
		{"validate"}, {"check"}, {"health"}, {"recover"}, {"discrepancies"},
		{"checkpoint"}, {"quarantine", "list"}, {"quarantine", "clear"}, {"serve"}, {"sweep"},
	} {
		cmd, _, err := RootCmd.Find(path)
		if assert.NoError(t, err, path) {
			assert.Equal(t, path[len(path)-1], cmd.Name())
		}
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("PATTERNGUARD_CONFIG", "/etc/patternguard.yaml")
	assert.Equal(t, "/etc/patternguard.yaml", getConfigPath())

	configPath = "local.yaml"
	defer func() { configPath = "" }()
	assert.Equal(t, "local.yaml", getConfigPath())
}
