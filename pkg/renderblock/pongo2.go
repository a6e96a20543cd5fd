package renderblock

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
)

var (
	pongo2Once sync.Once
	pongo2Err  error
)

// RegisterPongo2 installs the render tag into pongo2. pongo2 keeps a single
// process-wide tag registry, so only the first call has any effect; its
// options and result are reused by later calls.
func RegisterPongo2(opts ...Option) error {
	pongo2Once.Do(func() {
		tag := New(opts...)
		pongo2Err = pongo2.RegisterTag(TagName, tag.parsePongo2)
	})
	return pongo2Err
}

type pongo2RenderNode struct {
	tag     *Tag
	line    int
	args    string
	wrapper *pongo2.NodeWrapper
}

func (t *Tag) parsePongo2(doc *pongo2.Parser, start *pongo2.Token, arguments *pongo2.Parser) (pongo2.INodeTag, *pongo2.Error) {
	node := &pongo2RenderNode{tag: t, line: start.Line}

	args := make([]string, 0, arguments.Count())
	for i := 0; i < arguments.Count(); i++ {
		args = append(args, arguments.Get(i).Val)
	}
	node.args = strings.Join(args, " ")

	wrapper, endArgs, err := doc.WrapUntilTag("end" + TagName)
	if err != nil {
		return nil, err
	}
	if endArgs.Count() > 0 {
		return nil, endArgs.Error("Arguments not allowed here.", nil)
	}
	node.wrapper = wrapper
	return node, nil
}

func (node *pongo2RenderNode) Execute(ctx *pongo2.ExecutionContext, writer pongo2.TemplateWriter) *pongo2.Error {
	logger := node.tag.logger
	if logger == nil {
		logger = slog.Default()
	}

	trace := Trace{Template: "pongo2", Line: node.line, Args: node.args}
	out, err := node.tag.expand(logger, trace,
		func() (string, error) {
			var buf bytes.Buffer
			if err := node.wrapper.Execute(ctx, &buf); err != nil {
				return "", err
			}
			return buf.String(), nil
		},
		func(source string) (string, error) {
			tpl, err := pongo2.FromString(source)
			if err != nil {
				return "", err
			}
			return tpl.Execute(executionContext(ctx))
		},
	)
	if err != nil {
		if perr, ok := err.(*pongo2.Error); ok {
			return perr
		}
		return ctx.OrigError(err, nil)
	}

	if _, werr := writer.WriteString(out); werr != nil {
		return ctx.OrigError(werr, nil)
	}
	return nil
}

// executionContext flattens the public and private scopes so the second pass
// sees loop variables and {% with %} bindings of the first.
func executionContext(ctx *pongo2.ExecutionContext) pongo2.Context {
	merged := make(pongo2.Context, len(ctx.Public)+len(ctx.Private))
	for k, v := range ctx.Public {
		merged[k] = v
	}
	for k, v := range ctx.Private {
		merged[k] = v
	}
	return merged
}
