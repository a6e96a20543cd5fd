package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	jinja "github.com/docsite/jinja-render"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

// DefaultConfigPath is where `config init` writes when no path is given.
const DefaultConfigPath = "jinja-render.json"

// Config is the CLI configuration file. Engine settings sit at the top level
// next to the CLI's own.
type Config struct {
	jinja.Config
	LogLevel  string   `json:"log_level"`
	DataFiles []string `json:"data_files"`
}

// DefaultConfig returns the CLI defaults.
func DefaultConfig() *Config {
	return &Config{
		Config:    *jinja.DefaultConfig(),
		LogLevel:  "warn",
		DataFiles: []string{},
	}
}

// LoadConfig reads a JSON config file. Keys missing from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err = json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if _, err = parseLogLevel(config.LogLevel); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig writes config to path atomically.
func SaveConfig(path string, config *Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level '%s' (expected debug, info, warn or error)", level)
}

type ConfigInitOptions struct {
	Path  string
	Force bool
}

func NewConfigInitOptions() *ConfigInitOptions {
	return &ConfigInitOptions{}
}

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(NewConfigInitCmd(NewConfigInitOptions()))
	return cmd
}

func NewConfigInitCmd(o *ConfigInitOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		RunE:  func(cmd *cobra.Command, _ []string) error { return o.Run(cmd.OutOrStdout()) },
	}
	cmd.Flags().StringVarP(&o.Path, "path", "p", DefaultConfigPath, "Path of the configuration file to write")
	cmd.Flags().BoolVar(&o.Force, "force", false, "Overwrite an existing file")
	return cmd
}

func (o *ConfigInitOptions) Run(out io.Writer) error {
	if !o.Force {
		if _, err := os.Stat(o.Path); err == nil {
			return fmt.Errorf("config file '%s' already exists (use --force to overwrite)", o.Path)
		}
	}
	if err := SaveConfig(o.Path, DefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote default configuration to %s\n", o.Path)
	return nil
}
