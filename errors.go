package jinja

import (
	"errors"
	"fmt"
)

var (
	// ErrUndefined is wrapped by runtime errors raised for undefined variables
	// when the environment runs with StrictUndefined.
	ErrUndefined = errors.New("undefined variable")
	// ErrRecursionLimit is wrapped when nested render passes exceed Config.MaxRenderDepth.
	ErrRecursionLimit = errors.New("render depth limit exceeded")
	// ErrUnknownFilter is wrapped when a template uses a filter that is not registered.
	ErrUnknownFilter = errors.New("unknown filter")
	// ErrTagExists is returned when registering a block tag under a name that is taken.
	ErrTagExists = errors.New("tag already registered")
)

// TemplateSyntaxError reports source that could not be parsed into a template.
type TemplateSyntaxError struct {
	Name string // Template name, "<string>" for anonymous sources.
	Line int    // 1-based line of the offending construct.
	Msg  string
	Err  error // Optional sentinel cause, e.g. ErrUnknownFilter.
}

func (e *TemplateSyntaxError) Error() string {
	return fmt.Sprintf("template syntax error in %s, line %d: %s", e.Name, e.Line, e.Msg)
}

func (e *TemplateSyntaxError) Unwrap() error {
	return e.Err
}

// TemplateRuntimeError reports a failure while rendering a parsed template.
type TemplateRuntimeError struct {
	Name string
	Line int
	Err  error
}

func (e *TemplateRuntimeError) Error() string {
	return fmt.Sprintf("template rendering error in %s, line %d: %v", e.Name, e.Line, e.Err)
}

func (e *TemplateRuntimeError) Unwrap() error {
	return e.Err
}

// isTemplateError reports whether err is already one of the engine's own error
// types. Those travel up through nested renders without being wrapped again.
func isTemplateError(err error) bool {
	switch err.(type) {
	case *TemplateSyntaxError, *TemplateRuntimeError:
		return true
	}
	return false
}
