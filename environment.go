package jinja

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// DefaultTemplateName is used for templates parsed without a name.
const DefaultTemplateName = "<string>"

// Config holds the behaviour switches of an Environment.
type Config struct {
	// StrictUndefined turns any use of an undefined name into a render error.
	StrictUndefined bool `json:"strict_undefined"`
	// MaxRenderDepth bounds how many times template output may be re-rendered
	// as template source inside a single render call. Zero disables the limit.
	MaxRenderDepth int `json:"max_render_depth"`
	// CacheTemplates keeps parsed templates keyed by name and source.
	CacheTemplates bool `json:"cache_templates"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		StrictUndefined: false,
		MaxRenderDepth:  64,
		CacheTemplates:  true,
	}
}

// BlockTag renders a registered {% name %}...{% endname %} block.
type BlockTag interface {
	RenderBlock(s *State, call *TagCall) (string, error)
}

// BlockTagFunc adapts a plain function to the BlockTag interface.
type BlockTagFunc func(s *State, call *TagCall) (string, error)

func (f BlockTagFunc) RenderBlock(s *State, call *TagCall) (string, error) {
	return f(s, call)
}

// TagCall describes one invocation of a block tag.
type TagCall struct {
	Name string  // Tag name, e.g. "render".
	Args string  // Everything after the tag name in the opening tag.
	Body []*Node // Nodes between the opening and closing tag, unrendered.
	Line int
}

// Environment owns the filters, functions and block tags available to the
// templates it parses. It is safe for concurrent use.
type Environment struct {
	mu        sync.RWMutex
	filters   map[string]FilterFunc
	functions map[string]FunctionFunc
	tags      map[string]BlockTag

	cache  *TemplateCache
	logger *slog.Logger
	config *Config
}

// NewEnvironment creates an environment with the builtin filters and functions.
// A nil logger discards log output; a nil config means DefaultConfig().
func NewEnvironment(logger *slog.Logger, config *Config) *Environment {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	return &Environment{
		filters:   builtinFilters(),
		functions: builtinFunctions(),
		tags:      make(map[string]BlockTag),
		cache:     NewTemplateCache(),
		logger:    logger,
		config:    &cfg,
	}
}

// Logger returns the environment's logger.
func (env *Environment) Logger() *slog.Logger {
	return env.logger
}

// Config returns a copy of the environment's configuration.
func (env *Environment) Config() Config {
	return *env.config
}

// AddFilter registers or replaces a filter.
func (env *Environment) AddFilter(name string, fn FilterFunc) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.filters[name] = fn
}

// AddFunction registers or replaces a global function.
func (env *Environment) AddFunction(name string, fn FunctionFunc) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.functions[name] = fn
}

func (env *Environment) filter(name string) (FilterFunc, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	fn, ok := env.filters[name]
	return fn, ok
}

func (env *Environment) function(name string) (FunctionFunc, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	fn, ok := env.functions[name]
	return fn, ok
}

func (env *Environment) blockTag(name string) (BlockTag, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	tag, ok := env.tags[name]
	return tag, ok
}

// RegisterBlockTag makes {% name %}...{% endname %} available to templates
// parsed afterwards. Builtin keywords and names already taken are rejected.
func (env *Environment) RegisterBlockTag(name string, tag BlockTag) error {
	if !isIdentifier(name) {
		return fmt.Errorf("invalid tag name '%s'", name)
	}
	if tag == nil {
		return fmt.Errorf("tag '%s' has no implementation", name)
	}
	if _, reserved := builtinKeywords[name]; reserved {
		return fmt.Errorf("%w: '%s' is a builtin keyword", ErrTagExists, name)
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if _, exists := env.tags[name]; exists {
		return fmt.Errorf("%w: '%s'", ErrTagExists, name)
	}
	if base, isEnd := strings.CutPrefix(name, "end"); isEnd {
		if _, exists := env.tags[base]; exists {
			return fmt.Errorf("%w: '%s' closes an existing tag", ErrTagExists, name)
		}
	}
	env.tags[name] = tag
	// Cached templates were resolved against the old registry.
	env.cache.Clear()

	env.logger.Info("Registered block tag", "tag", name, "end_tag", "end"+name)
	return nil
}

// BlockTags lists the registered block tag names in order.
func (env *Environment) BlockTags() []string {
	env.mu.RLock()
	defer env.mu.RUnlock()
	names := make([]string, 0, len(env.tags))
	for name := range env.tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse compiles an anonymous template.
func (env *Environment) Parse(source string) (*Template, error) {
	return env.ParseNamed(DefaultTemplateName, source)
}

// ParseNamed compiles source into a Template. Errors are *TemplateSyntaxError
// carrying name and the offending line.
func (env *Environment) ParseNamed(name, source string) (*Template, error) {
	return env.parse(name, source, env.config.CacheTemplates)
}

func (env *Environment) parse(name, source string, useCache bool) (*Template, error) {
	key := name + "\x00" + source
	if useCache {
		if tmpl, found := env.cache.Get(key); found {
			return tmpl, nil
		}
		env.logger.Debug("Template cache miss", "template", name, "size", len(source))
	}

	nodes, err := NewParser(source).ParseAll()
	if err == nil {
		err = env.compile(nodes)
	}
	if err != nil {
		if syntaxErr, ok := err.(*TemplateSyntaxError); ok {
			syntaxErr.Name = name
		}
		return nil, err
	}

	tmpl := &Template{env: env, name: name, source: source, nodes: nodes}
	if useCache {
		env.cache.Set(key, tmpl)
	}
	return tmpl, nil
}

// RenderString parses and renders source in one step.
func (env *Environment) RenderString(source string, context map[string]interface{}) (string, error) {
	tmpl, err := env.Parse(source)
	if err != nil {
		return "", err
	}
	return tmpl.Render(context)
}

// blockFrame is an open block seen while validating template structure.
type blockFrame struct {
	node    *Node
	sawElse bool
}

// compile resolves registered block tags, checks that every block is closed
// by the right tag and that every filter used exists.
func (env *Environment) compile(nodes []*Node) error {
	var stack []*blockFrame
	top := func() *blockFrame {
		if len(stack) == 0 {
			return nil
		}
		return stack[len(stack)-1]
	}
	openedBy := func(frame *blockFrame, types ...ControlTagType) bool {
		if frame == nil {
			return false
		}
		for _, t := range types {
			if frame.node.Control.Type == t {
				return true
			}
		}
		return false
	}
	unexpected := func(node *Node) error {
		return &TemplateSyntaxError{Line: node.Line, Msg: fmt.Sprintf("unexpected '{%% %s %%}'", node.Content)}
	}

	for _, node := range nodes {
		var expr *ExprNode
		switch node.Type {
		case NodeExpression:
			expr = node.Expr
		case NodeControlTag:
			info := node.Control
			expr = info.Expr
			if info.Type == ControlUnknown {
				if err := env.resolveTag(node); err != nil {
					return err
				}
			}

			switch info.Type {
			case ControlIf, ControlFor, ControlBlock:
				stack = append(stack, &blockFrame{node: node})
			case ControlElseIf:
				frame := top()
				if !openedBy(frame, ControlIf) || frame.sawElse {
					return unexpected(node)
				}
			case ControlElse:
				frame := top()
				if !openedBy(frame, ControlIf, ControlFor) || frame.sawElse {
					return unexpected(node)
				}
				frame.sawElse = true
			case ControlEndIf, ControlEndFor:
				opener := ControlIf
				if info.Type == ControlEndFor {
					opener = ControlFor
				}
				if !openedBy(top(), opener) {
					return unexpected(node)
				}
				stack = stack[:len(stack)-1]
			case ControlEndBlock:
				frame := top()
				if !openedBy(frame, ControlBlock) || "end"+frame.node.Control.Name != info.Name {
					return unexpected(node)
				}
				stack = stack[:len(stack)-1]
			}
		}

		if err := walkFilters(expr, func(name string) error {
			if _, ok := env.filter(name); !ok {
				return &TemplateSyntaxError{Line: node.Line, Msg: fmt.Sprintf("no filter named '%s'", name), Err: ErrUnknownFilter}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if frame := top(); frame != nil {
		return &TemplateSyntaxError{
			Line: frame.node.Line,
			Msg:  fmt.Sprintf("unclosed '{%% %s %%}' tag, expected '{%% %s %%}'", frame.node.Control.Name, closingTag(frame.node.Control)),
		}
	}
	return nil
}

// resolveTag turns a tag the parser did not recognise into an opening or
// closing block tag, or reports it as unknown.
func (env *Environment) resolveTag(node *Node) error {
	info := node.Control
	if _, ok := env.blockTag(info.Name); ok {
		info.Type = ControlBlock
		return nil
	}
	if base, isEnd := strings.CutPrefix(info.Name, "end"); isEnd {
		if _, ok := env.blockTag(base); ok {
			if info.Expression != "" {
				return &TemplateSyntaxError{Line: node.Line, Msg: fmt.Sprintf("%s tag does not take any arguments", info.Name)}
			}
			info.Type = ControlEndBlock
			return nil
		}
	}
	return &TemplateSyntaxError{Line: node.Line, Msg: fmt.Sprintf("unknown tag '%s'", info.Name)}
}

func closingTag(info *ControlTagInfo) string {
	switch info.Type {
	case ControlIf:
		return string(ControlEndIf)
	case ControlFor:
		return string(ControlEndFor)
	}
	return "end" + info.Name
}

// Template is a parsed, validated template bound to its environment.
type Template struct {
	env    *Environment
	name   string
	source string
	nodes  []*Node
}

// Name returns the name the template was parsed under.
func (t *Template) Name() string {
	return t.name
}

// Source returns the template source text.
func (t *Template) Source() string {
	return t.source
}

// Render renders the template. The context map is copied first, so {% set %}
// never writes into the caller's map.
func (t *Template) Render(context map[string]interface{}) (string, error) {
	scope := make(map[string]interface{}, len(context))
	for k, v := range context {
		scope[k] = v
	}
	s := &State{env: t.env, ctx: scope, name: t.name}
	return s.Render(t.nodes)
}

// Execute renders the template into w.
func (t *Template) Execute(w io.Writer, context map[string]interface{}) error {
	out, err := t.Render(context)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

// State is the evaluation state of one render pass. Block tags receive it
// to render their body and to render generated source.
type State struct {
	env   *Environment
	ctx   map[string]interface{}
	name  string
	depth int
}

// Environment returns the environment the template was parsed with.
func (s *State) Environment() *Environment {
	return s.env
}

// Context returns the live variable map. Writes are visible to the rest of
// the pass.
func (s *State) Context() map[string]interface{} {
	return s.ctx
}

// Name returns the name of the template being rendered.
func (s *State) Name() string {
	return s.name
}

// Depth is the number of RenderString passes enclosing this state.
func (s *State) Depth() int {
	return s.depth
}

// Render renders already parsed nodes against the live context.
func (s *State) Render(nodes []*Node) (string, error) {
	return processNodes(s, nodes)
}

// RenderString parses source with the same environment and renders it
// against the same context, one level deeper. Generated sources are never
// cached. Errors come back exactly as the parser or renderer produced them.
func (s *State) RenderString(source string) (string, error) {
	if limit := s.env.config.MaxRenderDepth; limit > 0 && s.depth >= limit {
		return "", fmt.Errorf("%w: more than %d nested renders", ErrRecursionLimit, limit)
	}
	tmpl, err := s.env.parse(s.name, source, false)
	if err != nil {
		return "", err
	}
	nested := &State{env: s.env, ctx: s.ctx, name: s.name, depth: s.depth + 1}
	return nested.Render(tmpl.nodes)
}
