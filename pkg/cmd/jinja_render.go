package cmd

import (
	"github.com/cppforlife/cobrautil"
	"github.com/docsite/jinja-render/pkg/version"
	"github.com/spf13/cobra"
)

func NewDefaultJinjaRenderCmd() *cobra.Command {
	return NewJinjaRenderCmd(NewRenderOptions())
}

// NewJinjaRenderCmd returns the top-level command. It renders a template
// itself and carries the version and config subcommands.
func NewJinjaRenderCmd(o *RenderOptions) *cobra.Command {
	cmd := NewRenderCmd(o)

	cmd.Use = "jinja-render"
	cmd.Version = version.Version
	cmd.Short = "jinja-render renders Jinja templates with {% render %} blocks"
	cmd.Long = `jinja-render renders Jinja templates.

Contexts are built from JSON, YAML and TOML data files, env vars and
--value overrides. {% render %}...{% endrender %} blocks render their
body once, then render the result again as a template.`

	// Affects children as well
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	// Disable docs header
	cmd.DisableAutoGenTag = true

	cmd.AddCommand(NewRenderCmd(NewRenderOptions())) // explicit form of the top-level command
	cmd.AddCommand(NewVersionCmd(NewVersionOptions()))
	cmd.AddCommand(NewConfigCmd())

	// Reconfigure Commands
	cobrautil.VisitCommands(cmd, cobrautil.ReconfigureCmdWithSubcmd,
		cobrautil.DisallowExtraArgs, cobrautil.WrapRunEForCmd(cobrautil.ResolveFlagsForCmd))

	return cmd
}
