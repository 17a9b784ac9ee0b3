package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{
		"migrate", "import", "quantity", "variance", "recommend",
		"unbalance", "actionable", "audit", "recalc", "monitor", "serve",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "bidgov", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestQuantityCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range quantityCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "set", "govern", "delete"} {
		assert.True(t, names[name], "quantity should have subcommand %q", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestUnbalanceMarkCommand_Flags(t *testing.T) {
	for _, name := range []string{"direction", "justification", "confidence", "project"} {
		assert.NotNil(t, unbalanceMarkCmd.Flags().Lookup(name), "unbalance mark should have --%s flag", name)
	}
}

// resetFlags restores every flag to its default between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// setupCLI points the CLI at a fresh SQLite database in a temp dir.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("BIDGOV_STORE_DRIVER", "sqlite")
	t.Setenv("BIDGOV_STORE_DATABASE_URL", filepath.Join(dir, "cli.db"))
	t.Setenv("BIDGOV_LOG_LEVEL", "error")
	t.Setenv("BIDGOV_PRICING_WEBHOOK_URL", "")
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--actor", "tester"))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func runJSON(t *testing.T, args ...string) map[string]any {
	t.Helper()
	out, err := runCLI(t, append(args, "--format", "json")...)
	require.NoError(t, err, out)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m), out)
	return m
}

func TestCLI_Workflow(t *testing.T) {
	dir := setupCLI(t)
	schedule := filepath.Join(dir, "schedule.csv")
	require.NoError(t, os.WriteFile(schedule, []byte(
		"Item No.,Description,Unit,Bid Qty\n"+
			"0200-001,Unclassified excavation,CY,100\n"+
			"0300-001,Aggregate base,TON,50\n"), 0o600))

	_, err := runCLI(t, "migrate")
	require.NoError(t, err)

	rep := runJSON(t, "import", "--file", schedule, "--project", "P-1")
	assert.EqualValues(t, 2, rep["created"])

	runJSON(t, "quantity", "set", "0200-001", "--project", "P-1",
		"--source", "PLAN_SUMMARY", "--quantity", "100", "--unit", "CY")
	set := runJSON(t, "quantity", "set", "0200-001", "--project", "P-1",
		"--source", "CONTRACTOR_TAKEOFF", "--quantity", "140", "--unit", "cy", "--confidence", "90")
	record := set["record"].(map[string]any)
	assert.Equal(t, "tester", record["entered_by"])
	assert.EqualValues(t, 90, record["confidence"])

	gov := runJSON(t, "quantity", "govern", "0200-001", record["id"].(string), "--project", "P-1")
	v := gov["variance"].(map[string]any)
	assert.Equal(t, "CRITICAL", v["significance"])
	// No pricing service is configured, so the request is queued.
	recalc := gov["recalc"].(map[string]any)
	assert.Equal(t, "failed", recalc["status"])
	assert.Equal(t, true, recalc["queued"])

	out, err := runCLI(t, "actionable", "--project", "P-1", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "item_number: 0200-001")
	assert.NotContains(t, out, "0300-001")

	out, err = runCLI(t, "recommend", "0200-001", "--project", "P-1")
	require.NoError(t, err)
	assert.Contains(t, out, "SHORT")

	_, err = runCLI(t, "unbalance", "mark", "0200-001", "--project", "P-1",
		"--direction", "SHORT", "--justification", "short", "--confidence", "80")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "justification")

	mark := runJSON(t, "unbalance", "mark", "0200-001", "--project", "P-1",
		"--direction", "SHORT", "--justification", "Takeoff shows a 40% overrun", "--confidence", "80")
	assert.Equal(t, "UNBALANCED", mark["state"])

	out, err = runCLI(t, "actionable", "--project", "P-1", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = runCLI(t, "audit", "0200-001", "--project", "P-1", "--format", "json")
	require.NoError(t, err)
	var events []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, "import_created", events[0]["action"])
	assert.Equal(t, "unbalance_marked", events[len(events)-1]["action"])

	refresh := runJSON(t, "variance", "refresh", "--project", "P-1")
	assert.EqualValues(t, 2, refresh["refreshed"])

	snap := runJSON(t, "monitor", "--project", "P-1")
	s := snap["snapshot"].(map[string]any)
	assert.EqualValues(t, 2, s["line_items"])
	assert.EqualValues(t, 1, s["unbalanced"])
	assert.EqualValues(t, 2, s["outbox_depth"])

	_, err = runCLI(t, "recalc", "drain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestCLI_Errors(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "variance", "show", "missing-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = runCLI(t, "variance", "refresh")
	require.Error(t, err)

	_, err = runCLI(t, "audit", "0200-001", "--project", "P-1", "--format", "xml")
	require.Error(t, err)

	t.Setenv("BIDGOV_STORE_DRIVER", "mysql")
	_, err = runCLI(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}
