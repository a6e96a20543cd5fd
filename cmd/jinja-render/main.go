package main

import (
	"fmt"
	"os"

	uierrs "github.com/cppforlife/go-cli-ui/errors"
	"github.com/docsite/jinja-render/pkg/cmd"
)

func main() {
	command := cmd.NewDefaultJinjaRenderCmd()

	err := command.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jinja-render: Error: %s\n", uierrs.NewMultiLineError(err))
		os.Exit(1)
	}
}
