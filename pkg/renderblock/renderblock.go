// Package renderblock provides the {% render %}...{% endrender %} block tag.
//
// The tag renders its body, parses the result as template source and renders
// that a second time against the same context:
//
//	{% set port = 8080 %}
//	{% render %}{"listen": "{{ '{{' }} port {{ '}}' }}"}{% endrender %}
//
// produces {"listen": "8080"}. Errors from either pass are returned exactly as
// the template engine produced them.
package renderblock

import (
	"log/slog"

	jinja "github.com/docsite/jinja-render"
)

// TagName is the name the tag is registered under; the block closes with "end" + TagName.
const TagName = "render"

// Trace describes one completed render block.
type Trace struct {
	Template     string
	Line         int
	Args         string // Ignored tag arguments, if any were given.
	Intermediate string // Output of the first pass, parsed as source by the second.
	Output       string
	Depth        int
}

// Option configures a Tag.
type Option func(*Tag)

// WithTrace calls fn after every successful render block.
func WithTrace(fn func(Trace)) Option {
	return func(t *Tag) {
		t.trace = fn
	}
}

// WithLogger sets the logger. By default the environment's logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tag) {
		t.logger = logger
	}
}

// Tag implements jinja.BlockTag.
type Tag struct {
	trace  func(Trace)
	logger *slog.Logger
}

// New returns a render tag configured with opts.
func New(opts ...Option) *Tag {
	t := &Tag{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds the render tag to env.
func Register(env *jinja.Environment, opts ...Option) error {
	return env.RegisterBlockTag(TagName, New(opts...))
}

// RenderBlock renders call.Body, then renders the result as a template.
func (t *Tag) RenderBlock(s *jinja.State, call *jinja.TagCall) (string, error) {
	logger := t.logger
	if logger == nil {
		logger = s.Environment().Logger()
	}

	trace := Trace{Template: s.Name(), Line: call.Line, Args: call.Args, Depth: s.Depth()}
	return t.expand(logger, trace,
		func() (string, error) { return s.Render(call.Body) },
		s.RenderString,
	)
}

// expand runs both passes. firstPass renders the body; secondPass renders
// its output as source.
func (t *Tag) expand(logger *slog.Logger, trace Trace, firstPass func() (string, error), secondPass func(string) (string, error)) (string, error) {
	if trace.Args != "" {
		logger.Debug("Ignoring render tag arguments", "template", trace.Template, "line", trace.Line, "args", trace.Args)
	}

	intermediate, err := firstPass()
	if err != nil {
		return "", err
	}
	out, err := secondPass(intermediate)
	if err != nil {
		return "", err
	}

	if t.trace != nil {
		trace.Intermediate = intermediate
		trace.Output = out
		t.trace(trace)
	}
	return out, nil
}
