package cmd

import (
	"fmt"
	"io"

	"github.com/docsite/jinja-render/pkg/version"
	"github.com/spf13/cobra"
)

type VersionOptions struct{}

func NewVersionOptions() *VersionOptions {
	return &VersionOptions{}
}

func NewVersionCmd(o *VersionOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE:  func(cmd *cobra.Command, _ []string) error { return o.Run(cmd.OutOrStdout()) },
	}
	return cmd
}

func (o *VersionOptions) Run(out io.Writer) error {
	fmt.Fprintf(out, "jinja-render version %s\n", version.Version)

	return nil
}
