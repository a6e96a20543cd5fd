package jinja

/*
Expressions are compiled in two phases:

1. Lexical analysis (Lexer) turns the expression source into tokens.
2. Precedence climbing (ExprParser) builds an ExprNode tree, folding
   filters, tests and conditional expressions into the tree.

Compilation happens once, when the template is parsed. The Evaluator in
evaluator.go walks the tree on every render.
*/

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenType represents different types of tokens in a Jinja expression
type TokenType int

const (
	TokenLiteral TokenType = iota
	TokenIdentifier
	TokenOperator
	TokenLeftParen
	TokenRightParen
	TokenLeftBracket
	TokenRightBracket
	TokenLeftBrace
	TokenRightBrace
	TokenComma
	TokenDot
	TokenColon
	TokenPipe
	TokenEOF
)

// Token represents a lexical token in a Jinja expression
type Token struct {
	Type     TokenType
	Value    string
	Position int
}

// wordOperators are identifiers the lexer reports as operators.
var wordOperators = map[string]struct{}{
	"and": {}, "or": {}, "not": {}, "in": {}, "is": {}, "if": {}, "else": {},
}

// Binary operator precedence - higher number means higher precedence
var operatorPrecedence = map[string]int{
	"or":  10,
	"and": 20,
	"==":  40, "!=": 40, ">=": 40, "<=": 40, ">": 40, "<": 40,
	"in": 40, "not in": 40, "is": 40,
	"~": 45,
	"+": 50, "-": 50,
	"*": 60, "/": 60, "//": 60, "%": 60,
	"**": 70,
	"|":  80,
}

// Unary minus binds tighter than filters and "**": -1|abs is 1, -2 ** 2 is 4.
const (
	precedenceNot   = 30
	precedenceUnary = 90
)

// ExprNodeType represents the type of AST node
type ExprNodeType int

const (
	NodeLiteral ExprNodeType = iota
	NodeIdentifier
	NodeUnaryOp
	NodeBinaryOp
	NodeAttribute
	NodeSubscript
	NodeFunctionCall
	NodeList
	NodeDict
	NodeFilter      // Children[0] piped through filter Identifier with Children[1:] as arguments
	NodeTest        // Children[0] checked with test Identifier; Negated for "is not"
	NodeConditional // Children: then, condition[, else]
)

// ExprNode represents a node in the expression AST
type ExprNode struct {
	Type       ExprNodeType
	Value      interface{}
	Children   []*ExprNode
	Operator   string
	Identifier string
	Negated    bool
}

// Lexer breaks input string into tokens
type Lexer struct {
	input  string
	pos    int
	tokens []Token
}

// NewLexer creates a new lexer instance
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// Tokenize breaks the input string into tokens
func (l *Lexer) Tokenize() ([]Token, error) {
	l.tokens = make([]Token, 0, len(l.input)/3+2)
	l.pos = 0

	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if isWhitespace(c) {
			l.pos++
			continue
		}

		switch c {
		case '(':
			l.addToken(TokenLeftParen, "(")
			continue
		case ')':
			l.addToken(TokenRightParen, ")")
			continue
		case '[':
			l.addToken(TokenLeftBracket, "[")
			continue
		case ']':
			l.addToken(TokenRightBracket, "]")
			continue
		case '{':
			l.addToken(TokenLeftBrace, "{")
			continue
		case '}':
			l.addToken(TokenRightBrace, "}")
			continue
		case ',':
			l.addToken(TokenComma, ",")
			continue
		case '.':
			l.addToken(TokenDot, ".")
			continue
		case ':':
			l.addToken(TokenColon, ":")
			continue
		case '|':
			l.addToken(TokenPipe, "|")
			continue
		case '\'', '"':
			if err := l.tokenizeString(); err != nil {
				return nil, err
			}
			continue
		}

		if isDigit(c) {
			l.tokenizeNumber()
			continue
		}
		if l.tryTokenizeOperator() {
			continue
		}
		if isAlpha(c) || c == '_' {
			l.tokenizeIdentifierOrKeyword()
			continue
		}

		return nil, fmt.Errorf("unexpected character '%c' at position %d", c, l.pos)
	}

	l.tokens = append(l.tokens, Token{Type: TokenEOF, Position: len(l.input)})
	return l.tokens, nil
}

func (l *Lexer) addToken(tokenType TokenType, value string) {
	l.tokens = append(l.tokens, Token{Type: tokenType, Value: value, Position: l.pos})
	l.pos += len(value)
}

func (l *Lexer) tokenizeString() error {
	start := l.pos
	end := skipString(l.input, start)
	if end == -1 {
		return fmt.Errorf("unterminated string literal at position %d", start)
	}
	l.tokens = append(l.tokens, Token{Type: TokenLiteral, Value: l.input[start:end], Position: start})
	l.pos = end
	return nil
}

func (l *Lexer) tokenizeNumber() {
	start := l.pos
	hasDot := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '.' && !hasDot && l.pos+1 < len(l.input) && isDigit(l.input[l.pos+1]) {
			hasDot = true
		} else if !isDigit(c) && c != '_' {
			break
		}
		l.pos++
	}
	l.tokens = append(l.tokens, Token{Type: TokenLiteral, Value: l.input[start:l.pos], Position: start})
}

func (l *Lexer) tryTokenizeOperator() bool {
	if l.pos+2 <= len(l.input) {
		switch two := l.input[l.pos : l.pos+2]; two {
		case "==", "!=", ">=", "<=", "**", "//":
			l.addToken(TokenOperator, two)
			return true
		}
	}
	switch c := l.input[l.pos]; c {
	case '+', '-', '*', '/', '%', '<', '>', '~':
		l.addToken(TokenOperator, string(c))
		return true
	}
	return false
}

func (l *Lexer) tokenizeIdentifierOrKeyword() {
	start := l.pos
	for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
		l.pos++
	}
	word := l.input[start:l.pos]

	switch {
	case isWordOperator(word):
		l.tokens = append(l.tokens, Token{Type: TokenOperator, Value: word, Position: start})
	case word == "true" || word == "false" || word == "none" ||
		word == "True" || word == "False" || word == "None":
		l.tokens = append(l.tokens, Token{Type: TokenLiteral, Value: word, Position: start})
	default:
		l.tokens = append(l.tokens, Token{Type: TokenIdentifier, Value: word, Position: start})
	}
}

func isWordOperator(word string) bool {
	_, ok := wordOperators[word]
	return ok
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlphaNumeric(c byte) bool {
	return isAlpha(c) || isDigit(c)
}

// ExprParser builds an expression tree from tokens by precedence climbing.
type ExprParser struct {
	tokens []Token
	pos    int
}

// NewExprParser creates a new ExprParser instance
func NewExprParser(tokens []Token) *ExprParser {
	return &ExprParser{tokens: tokens}
}

// CompileExpression tokenizes and parses a complete expression.
func CompileExpression(source string) (*ExprNode, error) {
	tokens, err := NewLexer(source).Tokenize()
	if err != nil {
		return nil, err
	}
	p := NewExprParser(tokens)
	node, err := p.Parse()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, fmt.Errorf("unexpected token '%s' at position %d", tok.Value, tok.Position)
	}
	return node, nil
}

// Parse converts tokens to an AST
func (p *ExprParser) Parse() (*ExprNode, error) {
	return p.parseConditional()
}

func (p *ExprParser) peek() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *ExprParser) next() Token {
	tok := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *ExprParser) isOperator(value string) bool {
	tok := p.peek()
	return tok.Type == TokenOperator && tok.Value == value
}

func (p *ExprParser) expect(tokenType TokenType, what string) error {
	tok := p.next()
	if tok.Type != tokenType {
		if tok.Type == TokenEOF {
			return fmt.Errorf("unexpected end of expression, expected %s", what)
		}
		return fmt.Errorf("expected %s, found '%s'", what, tok.Value)
	}
	return nil
}

// parseConditional handles "a if cond else b", the loosest binding form.
func (p *ExprParser) parseConditional() (*ExprNode, error) {
	then, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if !p.isOperator("if") {
		return then, nil
	}
	p.next()

	cond, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	node := &ExprNode{Type: NodeConditional, Children: []*ExprNode{then, cond}}
	if p.isOperator("else") {
		p.next()
		otherwise, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, otherwise)
	}
	return node, nil
}

// parseExpression parses an expression with given precedence
func (p *ExprParser) parseExpression(precedence int) (*ExprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		var op string
		switch {
		case tok.Type == TokenPipe:
			op = "|"
		case tok.Type == TokenOperator:
			op = tok.Value
			if op == "not" {
				if p.pos+1 >= len(p.tokens) || p.tokens[p.pos+1].Value != "in" {
					return left, nil
				}
				op = "not in"
			}
		default:
			return left, nil
		}

		opPrecedence, ok := operatorPrecedence[op]
		if !ok || opPrecedence < precedence {
			return left, nil
		}

		p.next()
		if op == "not in" {
			p.next()
		}

		switch op {
		case "|":
			left, err = p.parseFilter(left)
		case "is":
			left, err = p.parseTest(left)
		default:
			// ** is right-associative, everything else binds left.
			nextPrecedence := opPrecedence + 1
			if op == "**" {
				nextPrecedence = opPrecedence
			}
			var right *ExprNode
			right, err = p.parseExpression(nextPrecedence)
			if err == nil {
				left = &ExprNode{Type: NodeBinaryOp, Operator: op, Children: []*ExprNode{left, right}}
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *ExprParser) parseUnary() (*ExprNode, error) {
	tok := p.peek()
	if tok.Type == TokenOperator {
		var operandPrecedence int
		switch tok.Value {
		case "not":
			operandPrecedence = precedenceNot
		case "-", "+":
			operandPrecedence = precedenceUnary
		default:
			return nil, fmt.Errorf("unexpected operator '%s' at position %d", tok.Value, tok.Position)
		}
		p.next()
		operand, err := p.parseExpression(operandPrecedence)
		if err != nil {
			return nil, err
		}
		return &ExprNode{Type: NodeUnaryOp, Operator: tok.Value, Children: []*ExprNode{operand}}, nil
	}

	primary, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return p.parsePostfix(primary)
}

func (p *ExprParser) parsePrimary() (*ExprNode, error) {
	tok := p.next()
	switch tok.Type {
	case TokenLiteral:
		return parseLiteral(tok)
	case TokenIdentifier:
		return &ExprNode{Type: NodeIdentifier, Identifier: tok.Value}, nil
	case TokenLeftParen:
		expr, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenRightParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	case TokenLeftBracket:
		items, err := p.parseSequence(TokenRightBracket, "']'")
		if err != nil {
			return nil, err
		}
		return &ExprNode{Type: NodeList, Children: items}, nil
	case TokenLeftBrace:
		return p.parseDictLiteral()
	case TokenEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected token '%s' at position %d", tok.Value, tok.Position)
	}
}

// parsePostfix applies attribute access, subscripts and calls.
func (p *ExprParser) parsePostfix(left *ExprNode) (*ExprNode, error) {
	for {
		switch p.peek().Type {
		case TokenDot:
			p.next()
			attr := p.next()
			switch {
			case attr.Type == TokenIdentifier:
				left = &ExprNode{Type: NodeAttribute, Identifier: attr.Value, Children: []*ExprNode{left}}
			case attr.Type == TokenLiteral && isDigit(attr.Value[0]) && !strings.Contains(attr.Value, "."):
				index, _ := strconv.Atoi(attr.Value)
				key := &ExprNode{Type: NodeLiteral, Value: index}
				left = &ExprNode{Type: NodeSubscript, Children: []*ExprNode{left, key}}
			default:
				return nil, fmt.Errorf("expected identifier after '.'")
			}
		case TokenLeftBracket:
			p.next()
			key, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			if err := p.expect(TokenRightBracket, "']'"); err != nil {
				return nil, err
			}
			left = &ExprNode{Type: NodeSubscript, Children: []*ExprNode{left, key}}
		case TokenLeftParen:
			p.next()
			args, err := p.parseSequence(TokenRightParen, "')'")
			if err != nil {
				return nil, err
			}
			left = &ExprNode{Type: NodeFunctionCall, Children: append([]*ExprNode{left}, args...)}
		default:
			return left, nil
		}
	}
}

// parseSequence parses comma separated expressions up to the closing token,
// which is consumed. A trailing comma is allowed.
func (p *ExprParser) parseSequence(closing TokenType, what string) ([]*ExprNode, error) {
	var items []*ExprNode
	for {
		if p.peek().Type == closing {
			p.next()
			return items, nil
		}
		item, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		items = append(items, item)

		tok := p.peek()
		switch tok.Type {
		case TokenComma:
			p.next()
		case closing:
		case TokenEOF:
			return nil, fmt.Errorf("unexpected end of expression, expected %s or ','", what)
		default:
			return nil, fmt.Errorf("expected ',' or %s, found '%s'", what, tok.Value)
		}
	}
}

// parseDictLiteral parses {key: value, ...}; pairs are stored as ":" binary nodes.
func (p *ExprParser) parseDictLiteral() (*ExprNode, error) {
	dict := &ExprNode{Type: NodeDict}
	for {
		if p.peek().Type == TokenRightBrace {
			p.next()
			return dict, nil
		}
		key, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenColon, "':' after dictionary key"); err != nil {
			return nil, err
		}
		value, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		dict.Children = append(dict.Children, &ExprNode{Type: NodeBinaryOp, Operator: ":", Children: []*ExprNode{key, value}})

		tok := p.peek()
		switch tok.Type {
		case TokenComma:
			p.next()
		case TokenRightBrace:
		case TokenEOF:
			return nil, fmt.Errorf("unexpected end of expression, expected '}' or ','")
		default:
			return nil, fmt.Errorf("expected ',' or '}', found '%s'", tok.Value)
		}
	}
}

// parseFilter parses "name" or "name(args...)" after a pipe.
func (p *ExprParser) parseFilter(input *ExprNode) (*ExprNode, error) {
	name := p.next()
	if name.Type != TokenIdentifier {
		return nil, fmt.Errorf("expected filter name after '|'")
	}
	node := &ExprNode{Type: NodeFilter, Identifier: name.Value, Children: []*ExprNode{input}}
	if p.peek().Type == TokenLeftParen {
		p.next()
		args, err := p.parseSequence(TokenRightParen, "')'")
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, args...)
	}
	return node, nil
}

// parseTest parses "[not] name" or "[not] name(args...)" after "is".
func (p *ExprParser) parseTest(subject *ExprNode) (*ExprNode, error) {
	node := &ExprNode{Type: NodeTest, Children: []*ExprNode{subject}}
	if p.isOperator("not") {
		p.next()
		node.Negated = true
	}
	name := p.next()
	switch {
	case name.Type == TokenIdentifier:
		node.Identifier = name.Value
	case name.Type == TokenLiteral && (name.Value == "none" || name.Value == "None"):
		node.Identifier = "none"
	default:
		return nil, fmt.Errorf("expected test name after 'is'")
	}
	if p.peek().Type == TokenLeftParen {
		p.next()
		args, err := p.parseSequence(TokenRightParen, "')'")
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, args...)
	}
	return node, nil
}

func parseLiteral(token Token) (*ExprNode, error) {
	var value interface{}
	switch v := token.Value; {
	case v[0] == '\'' || v[0] == '"':
		value = unescapeStringLiteral(v[1 : len(v)-1])
	case v == "true" || v == "True":
		value = true
	case v == "false" || v == "False":
		value = false
	case v == "none" || v == "None":
		value = nil
	case strings.Contains(v, "."):
		f, err := strconv.ParseFloat(strings.ReplaceAll(v, "_", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid literal: %s", v)
		}
		value = f
	default:
		i, err := strconv.Atoi(strings.ReplaceAll(v, "_", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid literal: %s", v)
		}
		value = i
	}
	return &ExprNode{Type: NodeLiteral, Value: value}, nil
}

// unescapeStringLiteral resolves backslash escapes inside a quoted literal.
func unescapeStringLiteral(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

// walkFilters calls fn for every filter name used in the tree.
func walkFilters(node *ExprNode, fn func(name string) error) error {
	if node == nil {
		return nil
	}
	if node.Type == NodeFilter {
		if err := fn(node.Identifier); err != nil {
			return err
		}
	}
	for _, child := range node.Children {
		if err := walkFilters(child, fn); err != nil {
			return err
		}
	}
	return nil
}
