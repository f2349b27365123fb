package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-scanner/internal/config"
)

// testConfig returns a valid config whose audit store lives in a
// temporary directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "scanner.db")
	cfg.Scanner.Symbols = []string{"RELIANCE", "TCS"}
	return cfg
}

// executeCommand runs the fully assembled root command and captures its
// combined output.
func executeCommand(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(cfg, zerolog.Nop())
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// newTestRoot assembles a root with the persistent flags but an App
// built by the test, so stub brokers and pre-seeded stores can be
// injected.
func newTestRoot(app *App) *cobra.Command {
	root := &cobra.Command{Use: "scanner", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", "", "")
	root.PersistentFlags().Bool("json", false, "")
	root.PersistentFlags().Bool("debug", false, "")
	root.AddCommand(newScanCmd(app))
	root.AddCommand(newInstrumentsCmd(app))
	root.AddCommand(newStatusCmd(app))
	return root
}

func executeTestRoot(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	root := newTestRoot(app)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, testConfig(t), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Zerodha Scanner v"+Version)
}

func TestVersionCommandJSON(t *testing.T) {
	out, err := executeCommand(t, testConfig(t), "version", "--json")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, Version, got["version"])
	assert.Equal(t, BuildDate, got["build_date"])
}

func TestConfigPathCommand(t *testing.T) {
	out, err := executeCommand(t, testConfig(t), "config", "path")
	require.NoError(t, err)
	assert.Contains(t, out, config.DefaultConfigDir())
}

func TestConfigShowCommand(t *testing.T) {
	cfg := testConfig(t)
	out, err := executeCommand(t, cfg, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Trading")
	assert.Contains(t, out, "paper")
	assert.Contains(t, out, "RELIANCE, TCS")
}

func TestConfigValidateCommand(t *testing.T) {
	out, err := executeCommand(t, testConfig(t), "config", "validate", "--json")
	require.NoError(t, err)

	var got map[string]bool
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got["valid"])
}

func TestConfigValidateCommandRejectsInvalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scanner.Interval = time.Second

	_, err := executeCommand(t, cfg, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner.interval")
}

func TestConfigInitCommand(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	out, err := executeCommand(t, cfg, "config", "init", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "config.toml")
	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.FileExists(t, filepath.Join(dir, "credentials.toml"))

	// Second run must not clobber what the user may have edited.
	out, err = executeCommand(t, cfg, "config", "init", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "already present")
}

func TestRootBuildsAppWithoutCredentials(t *testing.T) {
	// No credentials: scan refuses with a pointer at config init
	// instead of panicking on a nil broker.
	_, err := executeCommand(t, testConfig(t), "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials not configured")
}

func TestUnknownCommandFails(t *testing.T) {
	_, err := executeCommand(t, testConfig(t), "frobnicate")
	require.Error(t, err)
}
