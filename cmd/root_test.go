//go:build !integration

package main

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jurishealth/internal/config"
)

func subcommandNames(cmdNames []string) map[string]bool {
	names := make(map[string]bool, len(cmdNames))
	for _, n := range cmdNames {
		names[n] = true
	}
	return names
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	names := subcommandNames(got)

	for _, name := range []string{"ingest", "runs", "cases", "bids", "award", "migrate", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "jurishealth", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestIngestRunCommand_Flags(t *testing.T) {
	flag := ingestRunCmd.Flags().Lookup("trigger")
	require.NotNil(t, flag)
	assert.Equal(t, "manual", flag.DefValue)

	flag = ingestRunCmd.Flags().Lookup("no-resume")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestCasesCommand_HasSubcommands(t *testing.T) {
	var got []string
	for _, c := range casesCmd.Commands() {
		got = append(got, c.Name())
	}
	names := subcommandNames(got)

	for _, name := range []string{"list", "show", "conflicts", "expire", "reopen", "close"} {
		assert.True(t, names[name], "cases should have subcommand %q", name)
	}
}

func TestCasesReopen_ReasonRequired(t *testing.T) {
	flag := casesReopenCmd.Flags().Lookup("reason")
	require.NotNil(t, flag)
	assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag])
}

func TestBidsSubmit_Flags(t *testing.T) {
	for _, name := range []string{"hospital", "amount", "notes"} {
		assert.NotNil(t, bidsSubmitCmd.Flags().Lookup(name), "bids submit should have --%s flag", name)
	}
}

func TestAwardCommand_Flags(t *testing.T) {
	for _, name := range []string{"payer", "notes", "actor"} {
		assert.NotNil(t, awardCmd.Flags().Lookup(name), "award should have --%s flag", name)
	}
	assert.Error(t, awardCmd.Args(awardCmd, []string{"case-only"}))
	assert.NoError(t, awardCmd.Args(awardCmd, []string{"case", "bid"}))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("sweep-interval")
	require.NotNil(t, flag)
	assert.Equal(t, "10m0s", flag.DefValue)
}

func TestBidsList_RequiresExactlyOneFilter(t *testing.T) {
	cmd := bidsListCmd
	require.NoError(t, cmd.Flags().Set("case", ""))
	require.NoError(t, cmd.Flags().Set("hospital", ""))
	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --case or --hospital")
}

func TestExitError(t *testing.T) {
	var err error = &exitError{code: exitPartial, msg: "ingest run partial"}
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.code)
	assert.Equal(t, "ingest run partial", err.Error())
}

func TestApplyOverrides(t *testing.T) {
	c := &config.Config{
		Store: config.StoreConfig{Driver: "postgres", DatabaseURL: "postgres://db"},
		Log:   config.LogConfig{Level: "info"},
	}
	cmd := &cobra.Command{Use: "overrides"}
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())
	require.NoError(t, cmd.Flags().Set("store-driver", "sqlite"))
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))

	applyOverrides(cmd, c)

	assert.Equal(t, "sqlite", c.Store.Driver)
	assert.Equal(t, "postgres://db", c.Store.DatabaseURL)
	assert.Equal(t, "debug", c.Log.Level)
}
