// Command scanner runs the Zerodha intraday signal engine.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"zerodha-scanner/internal/cli"
	"zerodha-scanner/internal/config"
	"zerodha-scanner/internal/logging"
)

func main() {
	configDir := configDirArg(os.Args[1:])

	dir := configDir
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	_, statErr := os.Stat(filepath.Join(dir, "config.toml"))
	firstRun := os.IsNotExist(statErr)

	cfg, err := config.Load(configDir)
	if err != nil {
		if !firstRun {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		// Load just wrote the template files; continue on defaults so
		// `config init` and `version` still work before setup is done.
		fmt.Fprintf(os.Stderr, "⚠ %v\n", err)
		cfg = config.Default()
	}

	logger := logging.NewLoggerWithConfig(logConfig(cfg))

	rootCmd := cli.NewRootCmd(cfg, logger)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configDirArg pre-scans for --config so the directory applies to the
// initial load, before cobra parses flags.
func configDirArg(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}

func logConfig(cfg *config.Config) logging.LogConfig {
	logCfg := logging.DefaultLogConfig()
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	logCfg.Console = cfg.Logging.Console
	logCfg.File = cfg.Logging.File
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	return logCfg
}
