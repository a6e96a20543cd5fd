package jinja

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Parser splits template source into a flat sequence of nodes.
// Block structure is not resolved here; the environment validates it
// once the whole source has been scanned.
type Parser struct {
	input string
	pos   int
}

// NewParser creates a new Parser instance for the given input string.
func NewParser(input string) *Parser {
	return &Parser{input: input}
}

// NodeType defines the category of a parsed Node.
type NodeType int

const (
	NodeText       NodeType = iota // Literal text, emitted as-is.
	NodeExpression                 // {{ expression }}
	NodeComment                    // {# comment #}
	NodeControlTag                 // {% tag ... %}
)

// ControlTagType defines the specific type of a control tag.
type ControlTagType string

const (
	ControlIf       ControlTagType = "if"
	ControlElseIf   ControlTagType = "elif"
	ControlElse     ControlTagType = "else"
	ControlEndIf    ControlTagType = "endif"
	ControlFor      ControlTagType = "for"
	ControlEndFor   ControlTagType = "endfor"
	ControlSet      ControlTagType = "set"
	ControlBlock    ControlTagType = "block"    // opening tag of a registered block tag
	ControlEndBlock ControlTagType = "endblock" // closing tag of a registered block tag
	ControlUnknown  ControlTagType = "unknown"  // not yet resolved against the tag registry
)

// builtinKeywords cannot be claimed by registered block tags.
var builtinKeywords = map[string]struct{}{
	"if": {}, "elif": {}, "else": {}, "endif": {},
	"for": {}, "endfor": {}, "set": {},
	"raw": {}, "endraw": {},
}

// ControlTagInfo holds detailed information about a parsed control tag.
type ControlTagInfo struct {
	Type       ControlTagType
	Name       string    // Keyword as written, e.g. "if" or "render".
	Expression string    // Everything after the keyword.
	Expr       *ExprNode // Compiled condition, collection or value.
	LoopVars   []string  // for: one or two loop variable names.
	Target     string    // set: variable being assigned.
}

// Node represents a parsed element in the template.
type Node struct {
	Type    NodeType
	Content string
	Control *ControlTagInfo // Set for NodeControlTag.
	Expr    *ExprNode       // Set for NodeExpression.
	Line    int

	// Whitespace control: "{{-" trims the text before, "-}}" the text after.
	TrimLeft  bool
	TrimRight bool

	verbatim bool // produced by {% raw %}; never trimmed by neighbours
}

var endRawPattern = regexp.MustCompile(`\{%(-?)\s*endraw\s*(-?)%\}`)

// ParseAll parses the entire template into a slice of nodes and applies
// whitespace control. It fails on the first malformed construct.
func (p *Parser) ParseAll() ([]*Node, error) {
	var nodes []*Node
	for {
		node, err := p.ParseNext()
		if err != nil {
			return nil, err
		}
		if node == nil {
			break
		}
		nodes = append(nodes, node)
	}
	applyWhitespaceControl(nodes)
	return nodes, nil
}

// ParseNext returns the next node from the input, or (nil, nil) at EOF.
func (p *Parser) ParseNext() (*Node, error) {
	if p.pos >= len(p.input) {
		return nil, nil
	}

	rest := p.input[p.pos:]
	switch {
	case strings.HasPrefix(rest, "{#"):
		return p.parseCommentTag()
	case strings.HasPrefix(rest, "{%"):
		return p.parseControlTag()
	case strings.HasPrefix(rest, "{{"):
		return p.parseExpressionTag()
	}

	next := nextMarker(rest)
	if next == -1 {
		next = len(rest)
	}
	node := &Node{Type: NodeText, Content: rest[:next], Line: p.lineAt(p.pos)}
	p.pos += next
	return node, nil
}

// nextMarker returns the offset of the earliest tag opener in s, or -1.
func nextMarker(s string) int {
	best := -1
	for _, marker := range []string{"{{", "{%", "{#"} {
		if i := strings.Index(s, marker); i != -1 && (best == -1 || i < best) {
			best = i
		}
	}
	return best
}

func (p *Parser) lineAt(pos int) int {
	return strings.Count(p.input[:pos], "\n") + 1
}

func (p *Parser) syntaxError(pos int, format string, args ...interface{}) error {
	return &TemplateSyntaxError{Line: p.lineAt(pos), Msg: fmt.Sprintf(format, args...)}
}

// splitTrimMarkers strips the "-" whitespace-control markers from raw tag content.
func splitTrimMarkers(raw string) (content string, trimLeft, trimRight bool) {
	if strings.HasPrefix(raw, "-") {
		trimLeft = true
		raw = raw[1:]
	}
	if strings.HasSuffix(raw, "-") {
		trimRight = true
		raw = raw[:len(raw)-1]
	}
	return raw, trimLeft, trimRight
}

// skipString advances past a quoted literal starting at i. It returns the
// index after the closing quote, or -1 if the literal is not terminated.
func skipString(s string, i int) int {
	quote := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return -1
}

func (p *Parser) parseCommentTag() (*Node, error) {
	start := p.pos
	end := strings.Index(p.input[start+2:], "#}")
	if end == -1 {
		return nil, p.syntaxError(start, "unclosed comment tag '{#'")
	}
	raw := p.input[start+2 : start+2+end]
	p.pos = start + 2 + end + 2

	content, trimLeft, trimRight := splitTrimMarkers(raw)
	return &Node{
		Type:      NodeComment,
		Content:   content,
		Line:      p.lineAt(start),
		TrimLeft:  trimLeft,
		TrimRight: trimRight,
	}, nil
}

// parseExpressionTag scans "{{ ... }}". Braces inside the expression (dict
// literals) and quoted strings are skipped when looking for the closing "}}".
func (p *Parser) parseExpressionTag() (*Node, error) {
	start := p.pos
	depth := 0
	i := start + 2
	for i < len(p.input) {
		c := p.input[i]
		switch {
		case c == '\'' || c == '"':
			next := skipString(p.input, i)
			if next == -1 {
				return nil, p.syntaxError(start, "unterminated string literal in expression tag")
			}
			i = next
			continue
		case c == '{':
			depth++
		case c == '}' && depth > 0:
			depth--
		case c == '}' && i+1 < len(p.input) && p.input[i+1] == '}':
			raw := p.input[start+2 : i]
			p.pos = i + 2
			return p.newExpressionNode(start, raw)
		}
		i++
	}
	return nil, p.syntaxError(start, "unclosed expression tag '{{'")
}

func (p *Parser) newExpressionNode(start int, raw string) (*Node, error) {
	content, trimLeft, trimRight := splitTrimMarkers(raw)
	if strings.TrimSpace(content) == "" {
		return nil, p.syntaxError(start, "empty expression")
	}
	expr, err := CompileExpression(content)
	if err != nil {
		return nil, p.syntaxError(start, "invalid expression '%s': %v", strings.TrimSpace(content), err)
	}
	return &Node{
		Type:      NodeExpression,
		Content:   content,
		Expr:      expr,
		Line:      p.lineAt(start),
		TrimLeft:  trimLeft,
		TrimRight: trimRight,
	}, nil
}

// parseControlTag scans "{% ... %}" and classifies the tag. {% raw %} is
// resolved here because its body must not be tokenized.
func (p *Parser) parseControlTag() (*Node, error) {
	start := p.pos
	i := start + 2
	end := -1
	for i < len(p.input) {
		c := p.input[i]
		if c == '\'' || c == '"' {
			next := skipString(p.input, i)
			if next == -1 {
				return nil, p.syntaxError(start, "unterminated string literal in control tag")
			}
			i = next
			continue
		}
		if c == '%' && i+1 < len(p.input) && p.input[i+1] == '}' {
			end = i
			break
		}
		i++
	}
	if end == -1 {
		return nil, p.syntaxError(start, "unclosed control tag '{%%'")
	}
	p.pos = end + 2

	raw, trimLeft, trimRight := splitTrimMarkers(p.input[start+2 : end])
	content := strings.TrimSpace(raw)

	keyword, _ := splitKeyword(content)
	switch keyword {
	case "raw":
		return p.parseRawBody(start, content, trimLeft, trimRight)
	case "endraw":
		return nil, p.syntaxError(start, "unexpected '{%% endraw %%}' without matching raw")
	}

	info, err := parseControlTagDetail(content)
	if err != nil {
		return nil, p.syntaxError(start, "%v", err)
	}
	return &Node{
		Type:      NodeControlTag,
		Content:   content,
		Control:   info,
		Line:      p.lineAt(start),
		TrimLeft:  trimLeft,
		TrimRight: trimRight,
	}, nil
}

func (p *Parser) parseRawBody(start int, content string, trimLeft, trimRight bool) (*Node, error) {
	if content != "raw" {
		return nil, p.syntaxError(start, "raw tag does not take any arguments")
	}
	loc := endRawPattern.FindStringSubmatchIndex(p.input[p.pos:])
	if loc == nil {
		return nil, p.syntaxError(start, "unclosed raw block, expected '{%% endraw %%}'")
	}
	body := p.input[p.pos : p.pos+loc[0]]
	endTrimLeft := loc[3] > loc[2]
	endTrimRight := loc[5] > loc[4]
	p.pos += loc[1]

	if trimRight {
		body = strings.TrimLeftFunc(body, unicode.IsSpace)
	}
	if endTrimLeft {
		body = strings.TrimRightFunc(body, unicode.IsSpace)
	}
	return &Node{
		Type:      NodeText,
		Content:   body,
		Line:      p.lineAt(start),
		TrimLeft:  trimLeft,
		TrimRight: endTrimRight,
		verbatim:  true,
	}, nil
}

// splitKeyword splits "for x in y" into "for" and "x in y".
func splitKeyword(content string) (keyword, rest string) {
	end := 0
	for end < len(content) && isIdentChar(content[end]) {
		end++
	}
	return content[:end], strings.TrimSpace(content[end:])
}

// parseControlTagDetail parses the trimmed content of a control tag (e.g., "if condition")
// and returns structured information about it. Keywords that are not builtins
// are returned as ControlUnknown for the environment to resolve.
func parseControlTagDetail(content string) (*ControlTagInfo, error) {
	if content == "" {
		return nil, fmt.Errorf("empty control tag")
	}
	keyword, rest := splitKeyword(content)
	if keyword == "" {
		return nil, fmt.Errorf("malformed control tag '%s'", content)
	}
	info := &ControlTagInfo{Name: keyword, Expression: rest}

	switch keyword {
	case "if", "elif":
		info.Type = ControlIf
		if keyword == "elif" {
			info.Type = ControlElseIf
		}
		if rest == "" {
			return nil, fmt.Errorf("%s tag requires a condition, e.g., {%% %s user.isAdmin %%}", keyword, keyword)
		}
		expr, err := CompileExpression(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid %s condition '%s': %v", keyword, rest, err)
		}
		info.Expr = expr
	case "else", "endif", "endfor":
		info.Type = ControlTagType(keyword)
		if rest != "" {
			return nil, fmt.Errorf("%s tag does not take any arguments", keyword)
		}
	case "for":
		info.Type = ControlFor
		vars, collection, found := strings.Cut(rest, " in ")
		if !found {
			return nil, fmt.Errorf("for tag requires 'in' keyword, e.g., {%% for item in items %%}")
		}
		for _, v := range strings.Split(vars, ",") {
			v = strings.TrimSpace(v)
			if !isIdentifier(v) {
				return nil, fmt.Errorf("invalid loop variable '%s'", v)
			}
			info.LoopVars = append(info.LoopVars, v)
		}
		if len(info.LoopVars) > 2 {
			return nil, fmt.Errorf("for tag unpacks at most two loop variables, got %d", len(info.LoopVars))
		}
		expr, err := CompileExpression(collection)
		if err != nil {
			return nil, fmt.Errorf("invalid for collection '%s': %v", strings.TrimSpace(collection), err)
		}
		info.Expr = expr
	case "set":
		info.Type = ControlSet
		target, value, found := strings.Cut(rest, "=")
		if !found || strings.HasPrefix(value, "=") {
			return nil, fmt.Errorf("set tag requires an assignment, e.g., {%% set name = value %%}")
		}
		target = strings.TrimSpace(target)
		if !isIdentifier(target) {
			return nil, fmt.Errorf("invalid assignment target '%s'", target)
		}
		expr, err := CompileExpression(value)
		if err != nil {
			return nil, fmt.Errorf("invalid set value '%s': %v", strings.TrimSpace(value), err)
		}
		info.Target = target
		info.Expr = expr
	default:
		info.Type = ControlUnknown
	}
	return info, nil
}

// applyWhitespaceControl honours the "-" markers by trimming the adjacent
// text nodes. Text produced by {% raw %} is left alone.
func applyWhitespaceControl(nodes []*Node) {
	for i, node := range nodes {
		if node.TrimLeft && i > 0 {
			if prev := nodes[i-1]; prev.Type == NodeText && !prev.verbatim {
				prev.Content = strings.TrimRightFunc(prev.Content, unicode.IsSpace)
			}
		}
		if node.TrimRight && i+1 < len(nodes) {
			if next := nodes[i+1]; next.Type == NodeText && !next.verbatim {
				next.Content = strings.TrimLeftFunc(next.Content, unicode.IsSpace)
			}
		}
	}
}

func isIdentChar(c byte) bool {
	return isAlphaNumeric(c) || c == '_'
}

// isIdentifier reports whether name is a valid variable or tag name.
func isIdentifier(name string) bool {
	if name == "" || isDigit(name[0]) {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isIdentChar(name[i]) {
			return false
		}
	}
	return true
}
