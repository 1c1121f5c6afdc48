package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"serve", "init-tracking", "summary", "reconcile", "rules", "routes"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "route-quota", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestSummaryCommand_Flags(t *testing.T) {
	flag := summaryCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "table", flag.DefValue)
	assert.NotNil(t, summaryCmd.Flags().Lookup("out"))
}

func TestReconcileCommand_Flags(t *testing.T) {
	flag := reconcileCmd.Flags().Lookup("grace")
	require.NotNil(t, flag)
	assert.Equal(t, "0s", flag.DefValue)
}

func TestNestedSubcommands(t *testing.T) {
	for parent, child := range map[string]string{"rules": "check", "routes": "list"} {
		cmd, _, err := rootCmd.Find([]string{parent, child})
		require.NoError(t, err)
		assert.Equal(t, child, cmd.Name())
	}
}
