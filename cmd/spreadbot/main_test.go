package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paperConfig = `
environment:
  mode: paper
  log_level: error
broker:
  rate_limit:
    requests_per_second: 1000
    burst: 10
  paper:
    initial_cash: 1000000
    margin_per_unit: 700
primary_account: A1234567
accounts:
  - id: A1234567
    name: Primary
  - id: B7654321
    name: Family
indices:
  NIFTY:
    freeze_quantity: 1800
    quantity_per_lot: 75
    spread_width: 200
execution:
  retry_interval: 1ms
  poll_interval: 1ms
storage:
  exit_command_file: ${SPREADBOT_TEST_DIR}/exit_command.txt
  journal_path: ${SPREADBOT_TEST_DIR}/journal.db
`

func writeConfig(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(paperConfig), 0o600))

	env := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(env, []byte("SPREADBOT_TEST_DIR="+dir+"\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("SPREADBOT_TEST_DIR") })
	return dir, path
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestShell_EntryDetailsExitOnPaper(t *testing.T) {
	dir, cfg := writeConfig(t)
	env := filepath.Join(dir, "test.env")

	script := strings.Join([]string{
		"details",
		"ENTRY NIFTY 21500PE 25JAN24",
		"details",
		"bogus",
		"EXIT NIFTY 21500PE 25JAN24",
		"quit",
	}, "\n")
	out, err := runCLI(t, script, "shell", "--config", cfg, "--env-file", env)
	require.NoError(t, err)

	assert.Contains(t, out, "no current position in primary account; positions are listed without verification")
	assert.Contains(t, out, "*****321: no open positions")
	assert.Contains(t, out, "ENTRY NIFTY 21500PE 25JAN24")
	assert.Contains(t, out, "Exit command saved")
	assert.Contains(t, out, "*****567: 1 committed")
	assert.Contains(t, out, "21300 PE 1425 | 21500 PE -1425")
	assert.Contains(t, out, "invalid command")
	assert.Contains(t, out, "Exit command cleared")

	_, err = os.Stat(filepath.Join(dir, "exit_command.txt"))
	assert.True(t, os.IsNotExist(err), "exit command cleared from disk")

	runs, err := runCLI(t, "", "runs", "--config", cfg, "--env-file", env, "--json")
	require.NoError(t, err)
	assert.Contains(t, runs, `"kind": "ENTRY"`)
	assert.Contains(t, runs, `"kind": "EXIT"`)
}

func TestPnL_JSON(t *testing.T) {
	dir, cfg := writeConfig(t)
	out, err := runCLI(t, "", "pnl", "--config", cfg, "--env-file", filepath.Join(dir, "test.env"), "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"total"`)
}

func TestCommandArgs(t *testing.T) {
	_, err := runCLI(t, "", "entry", "NIFTY")
	assert.Error(t, err)

	_, err = runCLI(t, "", "autoexit", "--sl", "-100")
	assert.Error(t, err, "target required")
}

func TestMissingConfig(t *testing.T) {
	_, err := runCLI(t, "", "pnl", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	_, err = runCLI(t, "", "pnl", "--env-file", filepath.Join(t.TempDir(), "nope.env"))
	assert.ErrorContains(t, err, "loading env file")
}

func TestRunShell_StopsAtEOFAndQuit(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Bool("json", true, "")
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	out := NewOutput(cmd)

	var seen []string
	record := func(_ context.Context, line string) error {
		seen = append(seen, line)
		return nil
	}

	require.NoError(t, runShell(context.Background(), strings.NewReader("PNL\n\n  details \nquit\nPNL\n"), out, record))
	assert.Equal(t, []string{"PNL", "details"}, seen)

	seen = nil
	require.NoError(t, runShell(context.Background(), strings.NewReader("PNL"), out, record))
	assert.Equal(t, []string{"PNL"}, seen)
}
