package jinja

import (
	"fmt"
	"strings"
	"sync"
)

// TemplateCache is a thread-safe cache for parsed templates
type TemplateCache struct {
	cache map[string]*Template
	mu    sync.RWMutex
}

// NewTemplateCache creates a new template cache
func NewTemplateCache() *TemplateCache {
	return &TemplateCache{
		cache: make(map[string]*Template),
	}
}

// Get retrieves a parsed template from the cache
func (tc *TemplateCache) Get(key string) (*Template, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	tmpl, ok := tc.cache[key]
	return tmpl, ok
}

// Set stores a parsed template in the cache
func (tc *TemplateCache) Set(key string, tmpl *Template) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.cache[key] = tmpl
}

// Len returns the number of cached templates.
func (tc *TemplateCache) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.cache)
}

// Clear drops every cached template.
func (tc *TemplateCache) Clear() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.cache = make(map[string]*Template)
}

var (
	defaultEnv     *Environment
	defaultEnvOnce sync.Once
)

// DefaultEnvironment returns the shared environment used by TemplateString.
// It has the builtin filters and functions and no block tags.
func DefaultEnvironment() *Environment {
	defaultEnvOnce.Do(func() {
		defaultEnv = NewEnvironment(nil, nil)
	})
	return defaultEnv
}

// TemplateString renders a template string using the provided context.
// It processes Jinja-like expressions {{ ... }}, comments {# ... #}, and control tags {% ... %}.
func TemplateString(template string, context map[string]interface{}) (string, error) {
	return DefaultEnvironment().RenderString(template, context)
}

// processNodes renders a flat slice of nodes, dispatching control tags to their
// statement handlers. Errors that are not already template errors are wrapped
// with the template name and the line of the node that raised them.
func processNodes(s *State, nodes []*Node) (string, error) {
	var result strings.Builder
	currentIndex := 0

	for currentIndex < len(nodes) {
		node := nodes[currentIndex]

		switch node.Type {
		case NodeText:
			result.WriteString(node.Content)
			currentIndex++

		case NodeComment:
			currentIndex++

		case NodeExpression:
			text, err := renderExpression(s, node.Expr)
			if err != nil {
				return "", s.wrapError(node, err)
			}
			result.WriteString(text)
			currentIndex++

		case NodeControlTag:
			var (
				rendered string
				nextIdx  int
				err      error
			)
			switch node.Control.Type {
			case ControlIf:
				rendered, nextIdx, err = handleIfStatement(s, nodes, currentIndex)
			case ControlFor:
				rendered, nextIdx, err = handleForStatement(s, nodes, currentIndex)
			case ControlSet:
				nextIdx, err = handleSetStatement(s, nodes, currentIndex)
			case ControlBlock:
				rendered, nextIdx, err = handleBlockTag(s, nodes, currentIndex)
			default:
				// Structure is validated at parse time, so a stray closer or
				// middle tag here means the node list was assembled by hand.
				err = fmt.Errorf("unexpected '{%% %s %%}'", node.Content)
			}
			if err != nil {
				return "", s.wrapError(node, err)
			}
			result.WriteString(rendered)
			currentIndex = nextIdx

		default:
			return "", s.wrapError(node, fmt.Errorf("unknown node type %v", node.Type))
		}
	}
	return result.String(), nil
}

// renderExpression evaluates expr and converts the result to output text.
func renderExpression(s *State, expr *ExprNode) (string, error) {
	val, err := NewEvaluator(s.env, s.ctx).evaluateResolved(expr)
	if err != nil {
		return "", err
	}
	return ToString(val), nil
}

func (s *State) wrapError(node *Node, err error) error {
	if isTemplateError(err) {
		return err
	}
	return &TemplateRuntimeError{Name: s.name, Line: node.Line, Err: err}
}
