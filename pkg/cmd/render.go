package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	jinja "github.com/docsite/jinja-render"
	"github.com/docsite/jinja-render/pkg/datafile"
	"github.com/docsite/jinja-render/pkg/renderblock"
	"github.com/k14s/difflib"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

type RenderOptions struct {
	TemplatePath string
	DataFiles    []string
	Values       []string
	EnvPrefix    string
	OutputPath   string

	Strict     bool
	MaxDepth   int
	NoCache    bool
	Trace      bool
	ConfigPath string
	LogLevel   string
}

func NewRenderOptions() *RenderOptions {
	return &RenderOptions{}
}

func NewRenderCmd(o *RenderOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a template",
		RunE:  func(cmd *cobra.Command, _ []string) error { return o.Run(cmd) },
	}
	o.Set(cmd)
	return cmd
}

func (o *RenderOptions) Set(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.TemplatePath, "template", "t", "", "Template file to render ('-' reads stdin)")
	cmd.Flags().StringArrayVarP(&o.DataFiles, "data", "d", nil, "JSON, YAML or TOML file merged into the context (can be specified multiple times)")
	cmd.Flags().StringArrayVarP(&o.Values, "value", "v", nil, "Set a context value, parsed as YAML (format: key.subkey=123) (can be specified multiple times)")
	cmd.Flags().StringVar(&o.EnvPrefix, "values-env", "", "Read context values from env vars with this prefix (format: PREFIX_key__subkey=123)")
	cmd.Flags().StringVarP(&o.OutputPath, "output", "o", "", "Write output to this file instead of stdout")

	cmd.Flags().BoolVar(&o.Strict, "strict", false, "Fail on undefined variables")
	cmd.Flags().IntVar(&o.MaxDepth, "max-depth", 0, "Maximum nesting of render blocks (0 disables the limit)")
	cmd.Flags().BoolVar(&o.NoCache, "no-cache", false, "Do not cache parsed templates")
	cmd.Flags().BoolVar(&o.Trace, "trace", false, "Print a diff of both passes of every render block to stderr")
	cmd.Flags().StringVar(&o.ConfigPath, "config", "", "JSON configuration file")
	cmd.Flags().StringVar(&o.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
}

func (o *RenderOptions) Run(cmd *cobra.Command) error {
	config, err := o.config(cmd)
	if err != nil {
		return err
	}

	level, err := parseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	if o.TemplatePath == "" {
		return fmt.Errorf("Expected a template (use --template, or '-t -' for stdin)")
	}

	env := jinja.NewEnvironment(logger, &config.Config)
	var opts []renderblock.Option
	if o.Trace {
		opts = append(opts, renderblock.WithTrace(traceWriter(cmd.ErrOrStderr())))
	}
	if err := renderblock.Register(env, opts...); err != nil {
		return err
	}

	context, err := o.context(config.DataFiles)
	if err != nil {
		return err
	}

	name, source, err := o.readTemplate(cmd.InOrStdin())
	if err != nil {
		return err
	}
	logger.Debug("Rendering template", "template", name, "context_keys", len(context))

	tmpl, err := env.ParseNamed(name, source)
	if err != nil {
		return err
	}
	out, err := tmpl.Render(context)
	if err != nil {
		return err
	}

	if o.OutputPath == "" {
		_, err = io.WriteString(cmd.OutOrStdout(), out)
		return err
	}
	if err := atomic.WriteFile(o.OutputPath, strings.NewReader(out)); err != nil {
		return fmt.Errorf("Writing output file '%s': %w", o.OutputPath, err)
	}
	logger.Info("Wrote output", "path", o.OutputPath, "bytes", len(out))
	return nil
}

// config loads the configuration file, if any, and applies the flags that
// were set explicitly on top of it.
func (o *RenderOptions) config(cmd *cobra.Command) (*Config, error) {
	config := DefaultConfig()
	if o.ConfigPath != "" {
		var err error
		if config, err = LoadConfig(o.ConfigPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("strict") {
		config.StrictUndefined = o.Strict
	}
	if flags.Changed("max-depth") {
		if o.MaxDepth < 0 {
			return nil, fmt.Errorf("Expected --max-depth to be non-negative, got %d", o.MaxDepth)
		}
		config.MaxRenderDepth = o.MaxDepth
	}
	if o.NoCache {
		config.CacheTemplates = false
	}
	if o.LogLevel != "" {
		config.LogLevel = o.LogLevel
	}
	return config, nil
}

// context merges data files, env values and --value overrides, in that order.
func (o *RenderOptions) context(configDataFiles []string) (map[string]interface{}, error) {
	context := map[string]interface{}{}

	for _, path := range append(append([]string{}, configDataFiles...), o.DataFiles...) {
		values, err := datafile.Load(path)
		if err != nil {
			return nil, err
		}
		datafile.Merge(context, values)
	}

	if o.EnvPrefix != "" {
		values, err := datafile.FromEnv(o.EnvPrefix, os.Environ())
		if err != nil {
			return nil, fmt.Errorf("Extracting values from env under prefix '%s': %w", o.EnvPrefix, err)
		}
		datafile.Merge(context, values)
	}

	for _, kv := range o.Values {
		values, err := datafile.ParseOverride(kv)
		if err != nil {
			return nil, err
		}
		datafile.Merge(context, values)
	}
	return context, nil
}

func (o *RenderOptions) readTemplate(stdin io.Reader) (name, source string, err error) {
	if o.TemplatePath == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", fmt.Errorf("Reading template from stdin: %w", err)
		}
		return "<stdin>", string(data), nil
	}
	data, err := os.ReadFile(o.TemplatePath)
	if err != nil {
		return "", "", fmt.Errorf("Reading template '%s': %w", o.TemplatePath, err)
	}
	return o.TemplatePath, string(data), nil
}

// traceWriter prints each render block's pass 1 output against its final output.
func traceWriter(w io.Writer) func(renderblock.Trace) {
	return func(tr renderblock.Trace) {
		fmt.Fprintf(w, "--- render block %s:%d (depth %d)\n", tr.Template, tr.Line, tr.Depth)
		fmt.Fprintln(w, difflib.PPDiff(strings.Split(tr.Intermediate, "\n"), strings.Split(tr.Output, "\n")))
	}
}
