package fhir

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ============================================================================
// FHIRPath engine public API
// ============================================================================

// Engine compiles and evaluates the FHIRPath subset the server needs for
// search parameter extraction and subscription-topic trigger predicates.
// Compiled expressions are immutable and cached process-wide; the cache is
// guarded by a single mutex so concurrent evaluators share compilations.
type Engine struct {
	mu    sync.Mutex
	cache map[string]*Expression
}

// NewEngine creates a FHIRPath engine with an empty compilation cache.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*Expression)}
}

// Compile parses an expression, returning the cached compilation when the
// same text has been seen before.
func (e *Engine) Compile(expression string) (*Expression, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}

	e.mu.Lock()
	if x, ok := e.cache[expression]; ok {
		e.mu.Unlock()
		return x, nil
	}
	e.mu.Unlock()

	tokens, err := tokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: tokenize %q: %w", expression, err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: parse %q: %w", expression, err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at position %d in %q", tok.value, tok.pos, expression)
	}

	x := &Expression{text: expression, root: root}
	e.mu.Lock()
	e.cache[expression] = x
	e.mu.Unlock()
	return x, nil
}

// Evaluate compiles (or reuses) and evaluates an expression against a
// resource, returning the result collection. Empty collections mean the
// path resolved to nothing.
func (e *Engine) Evaluate(resource map[string]interface{}, expression string) ([]interface{}, error) {
	x, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return x.Evaluate(resource)
}

// EvaluateBool evaluates an expression and folds the result collection to a
// boolean per the FHIRPath singleton rules.
func (e *Engine) EvaluateBool(resource map[string]interface{}, expression string) (bool, error) {
	out, err := e.Evaluate(resource, expression)
	if err != nil {
		return false, err
	}
	return collectionToBool(out), nil
}

// EvaluateString evaluates an expression and returns the first result
// rendered as a string, or "" for an empty collection.
func (e *Engine) EvaluateString(resource map[string]interface{}, expression string) (string, error) {
	out, err := e.Evaluate(resource, expression)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", nil
	}
	return stringify(out[0]), nil
}

// Expression is one compiled FHIRPath expression. Safe for concurrent use.
type Expression struct {
	text string
	root *astNode
}

// Text returns the source text of the expression.
func (x *Expression) Text() string { return x.text }

// Evaluate runs the expression against a resource with no environment
// variables bound.
func (x *Expression) Evaluate(resource map[string]interface{}) ([]interface{}, error) {
	return x.EvaluateWith(resource, nil)
}

// EvaluateWith runs the expression with environment variables bound.
// Variables are referenced as %name in the source; a variable bound to nil
// evaluates to the empty collection, so `%previous.empty()` holds on create
// interactions. Referencing an unbound variable is an error.
func (x *Expression) EvaluateWith(resource map[string]interface{}, vars map[string]interface{}) ([]interface{}, error) {
	ctx := &evalContext{resource: resource, vars: vars}
	var input []interface{}
	if resource != nil {
		input = []interface{}{resource}
	}
	out, err := ctx.eval(x.root, input)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval %q: %w", x.text, err)
	}
	return out, nil
}

// BoolWith is EvaluateWith folded to a boolean.
func (x *Expression) BoolWith(resource map[string]interface{}, vars map[string]interface{}) (bool, error) {
	out, err := x.EvaluateWith(resource, vars)
	if err != nil {
		return false, err
	}
	return collectionToBool(out), nil
}

// ============================================================================
// Tokenizer
// ============================================================================

type tokenKind int

const (
	tkIdent    tokenKind = iota // identifier or keyword
	tkVar                       // %name environment variable
	tkNumber                    // integer or decimal
	tkString                    // 'single-quoted'
	tkDateTime                  // @2024-01-01...
	tkDot                       // .
	tkLParen                    // (
	tkRParen                    // )
	tkLBrack                    // [
	tkRBrack                    // ]
	tkComma                     // ,
	tkEq                        // =
	tkNe                        // !=
	tkLt                        // <
	tkGt                        // >
	tkLe                        // <=
	tkGe                        // >=
	tkPipe                      // |
	tkEOF
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		ch := input[i]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}
		start := i

		switch {
		case ch == '.':
			tokens = append(tokens, token{tkDot, ".", start})
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", start})
			i++
		case ch == '[':
			tokens = append(tokens, token{tkLBrack, "[", start})
			i++
		case ch == ']':
			tokens = append(tokens, token{tkRBrack, "]", start})
			i++
		case ch == ',':
			tokens = append(tokens, token{tkComma, ",", start})
			i++
		case ch == '|':
			tokens = append(tokens, token{tkPipe, "|", start})
			i++
		case ch == '=':
			tokens = append(tokens, token{tkEq, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkNe, "!=", start})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected character '!' at position %d", start)
			}
		case ch == '<':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkLe, "<=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkLt, "<", start})
				i++
			}
		case ch == '>':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkGe, ">=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkGt, ">", start})
				i++
			}
		case ch == '%':
			// Environment variable: %name or %"quoted name".
			i++
			if i < n && input[i] == '\'' {
				i++
				j := i
				for j < n && input[j] != '\'' {
					j++
				}
				if j >= n {
					return nil, fmt.Errorf("unterminated variable name at position %d", start)
				}
				tokens = append(tokens, token{tkVar, input[i:j], start})
				i = j + 1
				break
			}
			j := i
			for j < n && (input[j] == '_' || input[j] == '-' ||
				unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("empty variable name at position %d", start)
			}
			tokens = append(tokens, token{tkVar, input[i:j], start})
			i = j
		case ch == '\'':
			i++
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
					switch input[i] {
					case '\\':
						sb.WriteByte('\\')
					case '\'':
						sb.WriteByte('\'')
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(input[i])
					}
				} else {
					sb.WriteByte(input[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			i++
			tokens = append(tokens, token{tkString, sb.String(), start})
		case ch == '@':
			i++
			j := i
			for j < n && (input[j] == '-' || input[j] == ':' || input[j] == 'T' ||
				input[j] == '+' || input[j] == 'Z' || input[j] == '.' ||
				(input[j] >= '0' && input[j] <= '9')) {
				j++
			}
			tokens = append(tokens, token{tkDateTime, input[i:j], start})
			i = j
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		case ch == '`':
			// Backtick-delimited identifier (escaped element names).
			i++
			j := i
			for j < n && input[j] != '`' {
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated identifier at position %d", start)
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j + 1
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), start)
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

// ============================================================================
// Parser: recursive descent over the token stream
// ============================================================================

type nodeKind int

const (
	ndLiteral  nodeKind = iota // string, number, bool, datetime
	ndPath                     // field name or resource type
	ndVariable                 // %name
	ndDot                      // a.b
	ndIndex                    // a[n]
	ndMethod                   // receiver.fn(args...); children[0] = receiver
	ndCall                     // fn(args...) with no receiver
	ndCompare                  // = != < > <= >=
	ndAnd
	ndOr
	ndXor
	ndImplies
	ndIn       // membership: item in collection
	ndContains // membership: collection contains item
	ndUnion    // a | b
)

type astNode struct {
	kind     nodeKind
	value    interface{}
	children []*astNode
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q at position %d", t.value, t.pos)
	}
	return t, nil
}

// Precedence, loosest first: implies; or/xor; and; in/contains; = != < > <= >=;
// |; then postfix . [] ().
func (p *parser) infixInfo(tok token) (int, nodeKind, string) {
	switch {
	case tok.kind == tkIdent && tok.value == "implies":
		return 1, ndImplies, "implies"
	case tok.kind == tkIdent && tok.value == "or":
		return 2, ndOr, "or"
	case tok.kind == tkIdent && tok.value == "xor":
		return 2, ndXor, "xor"
	case tok.kind == tkIdent && tok.value == "and":
		return 3, ndAnd, "and"
	case tok.kind == tkIdent && tok.value == "in":
		return 4, ndIn, "in"
	case tok.kind == tkIdent && tok.value == "contains":
		return 4, ndContains, "contains"
	case tok.kind == tkEq:
		return 5, ndCompare, "="
	case tok.kind == tkNe:
		return 5, ndCompare, "!="
	case tok.kind == tkLt:
		return 5, ndCompare, "<"
	case tok.kind == tkGt:
		return 5, ndCompare, ">"
	case tok.kind == tkLe:
		return 5, ndCompare, "<="
	case tok.kind == tkGe:
		return 5, ndCompare, ">="
	case tok.kind == tkPipe:
		return 6, ndUnion, "|"
	}
	return -1, 0, ""
}

func (p *parser) parseExpression(minPrec int) (*astNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind, op := p.infixInfo(tok)
		if prec < minPrec {
			break
		}
		// "contains(" after a dot is a method call handled in parsePostfix;
		// here an identifier operator must be followed by an operand.
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		node := &astNode{kind: kind, children: []*astNode{left, right}}
		if kind == ndCompare {
			node.value = op
		}
		left = node
	}
	return left, nil
}

func (p *parser) parsePostfix() (*astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch tok.kind {
		case tkDot:
			p.advance()
			ident, err := p.expect(tkIdent)
			if err != nil {
				return nil, fmt.Errorf("expected identifier after '.': %w", err)
			}
			if p.peek().kind == tkLParen {
				p.advance()
				args, err := p.parseArgList()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(tkRParen); err != nil {
					return nil, err
				}
				node = &astNode{
					kind:     ndMethod,
					value:    ident.value,
					children: append([]*astNode{node}, args...),
				}
			} else {
				field := &astNode{kind: ndPath, value: ident.value}
				node = &astNode{kind: ndDot, children: []*astNode{node, field}}
			}
		case tkLBrack:
			p.advance()
			idxTok, err := p.expect(tkNumber)
			if err != nil {
				return nil, fmt.Errorf("expected index: %w", err)
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			idx, _ := strconv.ParseInt(idxTok.value, 10, 64)
			node = &astNode{kind: ndIndex, value: idx, children: []*astNode{node}}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (*astNode, error) {
	tok := p.peek()
	switch tok.kind {
	case tkLParen:
		p.advance()
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		p.advance()
		return &astNode{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		p.advance()
		if strings.Contains(tok.value, ".") {
			f, err := strconv.ParseFloat(tok.value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q at position %d", tok.value, tok.pos)
			}
			return &astNode{kind: ndLiteral, value: f}, nil
		}
		v, err := strconv.ParseInt(tok.value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q at position %d", tok.value, tok.pos)
		}
		return &astNode{kind: ndLiteral, value: v}, nil

	case tkDateTime:
		p.advance()
		t, err := parseDateTimeLiteral(tok.value)
		if err != nil {
			return nil, fmt.Errorf("invalid datetime %q at position %d", tok.value, tok.pos)
		}
		return &astNode{kind: ndLiteral, value: t}, nil

	case tkVar:
		p.advance()
		return &astNode{kind: ndVariable, value: tok.value}, nil

	case tkIdent:
		p.advance()
		switch tok.value {
		case "true":
			return &astNode{kind: ndLiteral, value: true}, nil
		case "false":
			return &astNode{kind: ndLiteral, value: false}, nil
		}
		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRParen); err != nil {
				return nil, err
			}
			return &astNode{kind: ndCall, value: tok.value, children: args}, nil
		}
		return &astNode{kind: ndPath, value: tok.value}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
	}
}

func (p *parser) parseArgList() ([]*astNode, error) {
	var args []*astNode
	if p.peek().kind == tkRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			return args, nil
		}
		p.advance()
	}
}

// ============================================================================
// Evaluator
// ============================================================================

type evalContext struct {
	resource map[string]interface{}
	vars     map[string]interface{}
}

func (ctx *evalContext) eval(node *astNode, input []interface{}) ([]interface{}, error) {
	switch node.kind {
	case ndLiteral:
		return []interface{}{node.value}, nil
	case ndPath:
		return ctx.evalPath(node, input)
	case ndVariable:
		return ctx.evalVariable(node)
	case ndDot:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ctx.eval(node.children[1], left)
	case ndIndex:
		coll, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		coll = flattenCollection(coll)
		idx := int(node.value.(int64))
		if idx < 0 || idx >= len(coll) {
			return nil, nil
		}
		return []interface{}{coll[idx]}, nil
	case ndMethod:
		return ctx.evalMethod(node, input)
	case ndCall:
		return ctx.evalCall(node, input)
	case ndCompare:
		return ctx.evalCompare(node, input)
	case ndAnd, ndOr, ndXor, ndImplies:
		return ctx.evalLogical(node, input)
	case ndIn, ndContains:
		return ctx.evalMembership(node, input)
	case ndUnion:
		return ctx.evalUnion(node, input)
	default:
		return nil, fmt.Errorf("unknown node kind %d", node.kind)
	}
}

func (ctx *evalContext) evalVariable(node *astNode) ([]interface{}, error) {
	name := node.value.(string)
	if name == "resource" || name == "rootResource" {
		if ctx.resource == nil {
			return nil, nil
		}
		return []interface{}{ctx.resource}, nil
	}
	if ctx.vars == nil {
		return nil, fmt.Errorf("undefined variable %%%s", name)
	}
	v, ok := ctx.vars[name]
	if !ok {
		return nil, fmt.Errorf("undefined variable %%%s", name)
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return t, nil
	default:
		return []interface{}{v}, nil
	}
}

func (ctx *evalContext) evalPath(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	// A leading resource-type name selects the root when it matches.
	if isTypeName(name) {
		if ctx.resource != nil && ResourceType(ctx.resource) == name {
			return []interface{}{ctx.resource}, nil
		}
		// Also allow type filtering of the current input items.
		var filtered []interface{}
		for _, item := range input {
			if m, ok := item.(map[string]interface{}); ok && ResourceType(m) == name {
				filtered = append(filtered, item)
			}
		}
		return filtered, nil
	}

	var out []interface{}
	for _, item := range input {
		out = append(out, navigateField(item, name)...)
	}
	return out, nil
}

// navigateField reads a named child. Choice elements (value[x]) are handled:
// asking for "value" matches any key starting with "value" whose remainder
// begins uppercase.
func navigateField(item interface{}, field string) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	if v, ok := m[field]; ok {
		if arr, isArr := v.([]interface{}); isArr {
			return arr
		}
		return []interface{}{v}
	}
	// Choice element fallback.
	for k, v := range m {
		if len(k) > len(field) && strings.HasPrefix(k, field) {
			rest := k[len(field):]
			if rest[0] >= 'A' && rest[0] <= 'Z' {
				if arr, isArr := v.([]interface{}); isArr {
					return arr
				}
				return []interface{}{v}
			}
		}
	}
	return nil
}

func flattenCollection(coll []interface{}) []interface{} {
	var out []interface{}
	for _, item := range coll {
		if arr, ok := item.([]interface{}); ok {
			out = append(out, arr...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

// ----------------------------------------------------------------------------
// Operators
// ----------------------------------------------------------------------------

func (ctx *evalContext) evalCompare(node *astNode, input []interface{}) ([]interface{}, error) {
	op := node.value.(string)
	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	// FHIRPath comparisons propagate empty operands.
	if len(left) == 0 || len(right) == 0 {
		return nil, nil
	}
	ok, err := compareValues(left[0], right[0], op)
	if err != nil {
		return nil, err
	}
	return []interface{}{ok}, nil
}

func (ctx *evalContext) evalLogical(node *astNode, input []interface{}) ([]interface{}, error) {
	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	lb := collectionToBool(left)

	switch node.kind {
	case ndAnd:
		if !lb {
			return []interface{}{false}, nil
		}
	case ndOr:
		if lb {
			return []interface{}{true}, nil
		}
	case ndImplies:
		if !lb {
			return []interface{}{true}, nil
		}
	}

	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	rb := collectionToBool(right)

	if node.kind == ndXor {
		return []interface{}{lb != rb}, nil
	}
	return []interface{}{rb}, nil
}

func (ctx *evalContext) evalMembership(node *astNode, input []interface{}) ([]interface{}, error) {
	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	item, coll := left, right
	if node.kind == ndContains {
		item, coll = right, left
	}
	if len(item) == 0 {
		return nil, nil
	}
	needle := stringify(item[0])
	for _, c := range flattenCollection(coll) {
		if stringify(c) == needle {
			return []interface{}{true}, nil
		}
	}
	return []interface{}{false}, nil
}

func (ctx *evalContext) evalUnion(node *astNode, input []interface{}) ([]interface{}, error) {
	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []interface{}
	for _, v := range append(left, right...) {
		key := stringify(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func compareValues(lv, rv interface{}, op string) (bool, error) {
	if ln, lok := toNumber(lv); lok {
		if rn, rok := toNumber(rv); rok {
			return compareOrdered(numCmp(ln, rn), op), nil
		}
	}
	if lb, ok := lv.(bool); ok {
		if rb, ok := rv.(bool); ok {
			switch op {
			case "=":
				return lb == rb, nil
			case "!=":
				return lb != rb, nil
			}
			return false, fmt.Errorf("booleans are not ordered")
		}
	}
	lt, ltOK := toTime(lv)
	rt, rtOK := toTime(rv)
	if ltOK && rtOK {
		return compareOrdered(timeCmp(lt, rt), op), nil
	}
	ls, rs := stringify(lv), stringify(rv)
	return compareOrdered(strings.Compare(ls, rs), op), nil
}

func compareOrdered(cmp int, op string) bool {
	switch op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func numCmp(l, r float64) int {
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	default:
		return 0
	}
}

func timeCmp(l, r time.Time) int {
	switch {
	case l.Before(r):
		return -1
	case l.After(r):
		return 1
	default:
		return 0
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := parseDateTimeLiteral(t); err == nil && looksLikeDate(t) {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func looksLikeDate(s string) bool {
	return len(s) >= 4 && s[0] >= '0' && s[0] <= '9' &&
		(len(s) == 4 || (len(s) > 4 && (s[4] == '-' || s[4] == 'T')))
}

// ----------------------------------------------------------------------------
// Functions
// ----------------------------------------------------------------------------

func (ctx *evalContext) evalMethod(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)
	receiver, args := node.children[0], node.children[1:]

	coll, err := ctx.eval(receiver, input)
	if err != nil {
		return nil, err
	}

	switch name {
	case "where":
		return ctx.fnWhere(coll, args)
	case "exists":
		return ctx.fnExists(coll, args)
	case "all":
		return ctx.fnAll(coll, args)
	case "count":
		return []interface{}{int64(len(coll))}, nil
	case "first":
		if len(coll) == 0 {
			return nil, nil
		}
		return coll[:1], nil
	case "last":
		if len(coll) == 0 {
			return nil, nil
		}
		return coll[len(coll)-1:], nil
	case "tail":
		if len(coll) <= 1 {
			return nil, nil
		}
		return coll[1:], nil
	case "skip":
		return ctx.fnSkipTake(coll, args, input, true)
	case "take":
		return ctx.fnSkipTake(coll, args, input, false)
	case "empty":
		return []interface{}{len(coll) == 0}, nil
	case "hasValue":
		return []interface{}{len(coll) == 1 && coll[0] != nil}, nil
	case "not":
		return []interface{}{!collectionToBool(coll)}, nil
	case "distinct":
		return distinctCollection(coll), nil
	case "select":
		return ctx.fnSelect(coll, args)
	case "ofType":
		return ctx.fnTypeFilter(coll, args), nil
	case "is":
		if len(coll) == 0 {
			return []interface{}{false}, nil
		}
		return []interface{}{matchesTypeName(coll[0], typeArg(args))}, nil
	case "as":
		return ctx.fnTypeFilter(coll, args), nil
	case "children":
		return childNodes(coll), nil
	case "descendants":
		return descendantNodes(coll), nil

	case "startsWith":
		return ctx.fnStringPredicate(coll, args, input, strings.HasPrefix)
	case "endsWith":
		return ctx.fnStringPredicate(coll, args, input, strings.HasSuffix)
	case "contains":
		return ctx.fnStringPredicate(coll, args, input, strings.Contains)
	case "matches":
		return ctx.fnMatches(coll, args, input)
	case "length":
		if len(coll) == 0 {
			return nil, nil
		}
		return []interface{}{int64(len(stringify(coll[0])))}, nil
	case "upper":
		return stringTransform(coll, strings.ToUpper), nil
	case "lower":
		return stringTransform(coll, strings.ToLower), nil
	case "trim":
		return stringTransform(coll, strings.TrimSpace), nil
	case "replace":
		return ctx.fnReplace(coll, args, input)
	case "substring":
		return ctx.fnSubstring(coll, args, input)
	case "join":
		return ctx.fnJoin(coll, args, input)
	case "toString":
		if len(coll) == 0 {
			return nil, nil
		}
		return []interface{}{stringify(coll[0])}, nil
	case "toInteger":
		return fnToInteger(coll), nil
	case "toDecimal":
		return fnToDecimal(coll), nil
	case "abs":
		return mathUnary(coll, math.Abs), nil
	case "ceiling":
		return mathUnary(coll, math.Ceil), nil
	case "floor":
		return mathUnary(coll, math.Floor), nil
	case "round":
		return mathUnary(coll, math.Round), nil
	case "toDate", "toDateTime":
		return fnToDateTime(coll), nil

	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func (ctx *evalContext) evalCall(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)
	switch name {
	case "now":
		return []interface{}{time.Now().UTC()}, nil
	case "today":
		now := time.Now().UTC()
		return []interface{}{time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)}, nil
	case "iif":
		if len(node.children) < 2 {
			return nil, fmt.Errorf("iif requires a condition and a true branch")
		}
		cond, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		if collectionToBool(cond) {
			return ctx.eval(node.children[1], input)
		}
		if len(node.children) >= 3 {
			return ctx.eval(node.children[2], input)
		}
		return nil, nil
	case "exists", "count", "empty", "not", "where", "first", "last", "children", "descendants":
		// Bare calls apply to the implicit input collection.
		method := &astNode{kind: ndMethod, value: name,
			children: append([]*astNode{{kind: ndCall, value: "__input"}}, node.children...)}
		return ctx.evalMethod(method, input)
	case "__input":
		return input, nil
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func (ctx *evalContext) fnWhere(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	var out []interface{}
	for _, item := range coll {
		v, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if collectionToBool(v) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (ctx *evalContext) fnExists(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{len(coll) > 0}, nil
	}
	for _, item := range coll {
		v, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if collectionToBool(v) {
			return []interface{}{true}, nil
		}
	}
	return []interface{}{false}, nil
}

func (ctx *evalContext) fnAll(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{true}, nil
	}
	for _, item := range coll {
		v, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if !collectionToBool(v) {
			return []interface{}{false}, nil
		}
	}
	return []interface{}{true}, nil
}

func (ctx *evalContext) fnSelect(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	var out []interface{}
	for _, item := range coll {
		v, err := ctx.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}

func (ctx *evalContext) fnSkipTake(coll []interface{}, args []*astNode, input []interface{}, skip bool) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	v, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return coll, nil
	}
	n, ok := toNumber(v[0])
	if !ok {
		return coll, nil
	}
	k := int(n)
	if k < 0 {
		k = 0
	}
	if skip {
		if k >= len(coll) {
			return nil, nil
		}
		return coll[k:], nil
	}
	if k >= len(coll) {
		return coll, nil
	}
	return coll[:k], nil
}

func (ctx *evalContext) fnTypeFilter(coll []interface{}, args []*astNode) []interface{} {
	name := typeArg(args)
	var out []interface{}
	for _, item := range coll {
		if matchesTypeName(item, name) {
			out = append(out, item)
		}
	}
	return out
}

func typeArg(args []*astNode) string {
	if len(args) == 0 {
		return ""
	}
	switch args[0].kind {
	case ndPath:
		return args[0].value.(string)
	case ndLiteral:
		return stringify(args[0].value)
	case ndDot:
		// Qualified type names like FHIR.Patient.
		if right := args[0].children[1]; right.kind == ndPath {
			return right.value.(string)
		}
	}
	return ""
}

func matchesTypeName(v interface{}, name string) bool {
	switch strings.ToLower(name) {
	case "":
		return false
	case "string":
		_, ok := v.(string)
		return ok
	case "integer", "int":
		switch v.(type) {
		case int, int32, int64:
			return true
		}
		return false
	case "decimal":
		_, ok := v.(float64)
		return ok
	case "boolean", "bool":
		_, ok := v.(bool)
		return ok
	case "date", "datetime":
		_, ok := v.(time.Time)
		return ok
	default:
		if m, ok := v.(map[string]interface{}); ok {
			return ResourceType(m) == name
		}
		return false
	}
}

func childNodes(coll []interface{}) []interface{} {
	var out []interface{}
	for _, item := range coll {
		if m, ok := item.(map[string]interface{}); ok {
			for _, v := range m {
				if arr, ok := v.([]interface{}); ok {
					out = append(out, arr...)
				} else {
					out = append(out, v)
				}
			}
		}
	}
	return out
}

func descendantNodes(coll []interface{}) []interface{} {
	var out []interface{}
	frontier := childNodes(coll)
	for len(frontier) > 0 {
		out = append(out, frontier...)
		frontier = childNodes(frontier)
	}
	return out
}

func (ctx *evalContext) fnStringPredicate(coll []interface{}, args []*astNode, input []interface{}, pred func(string, string) bool) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return nil, nil
	}
	argColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return nil, nil
	}
	return []interface{}{pred(stringify(coll[0]), stringify(argColl[0]))}, nil
}

func (ctx *evalContext) fnMatches(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return nil, nil
	}
	argColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return nil, nil
	}
	re, err := regexp.Compile(stringify(argColl[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return []interface{}{re.MatchString(stringify(coll[0]))}, nil
}

func (ctx *evalContext) fnReplace(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) < 2 {
		return nil, nil
	}
	pat, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	rep, err := ctx.eval(args[1], input)
	if err != nil {
		return nil, err
	}
	if len(pat) == 0 || len(rep) == 0 {
		return coll, nil
	}
	return []interface{}{strings.ReplaceAll(stringify(coll[0]), stringify(pat[0]), stringify(rep[0]))}, nil
}

func (ctx *evalContext) fnSubstring(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return nil, nil
	}
	startColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(startColl) == 0 {
		return nil, nil
	}
	s := stringify(coll[0])
	startF, ok := toNumber(startColl[0])
	if !ok {
		return nil, nil
	}
	start := int(startF)
	if start < 0 {
		start = 0
	}
	if start >= len(s) {
		return []interface{}{""}, nil
	}
	if len(args) >= 2 {
		lenColl, err := ctx.eval(args[1], input)
		if err != nil {
			return nil, err
		}
		if len(lenColl) > 0 {
			if lenF, ok := toNumber(lenColl[0]); ok {
				end := start + int(lenF)
				if end > len(s) {
					end = len(s)
				}
				return []interface{}{s[start:end]}, nil
			}
		}
	}
	return []interface{}{s[start:]}, nil
}

func (ctx *evalContext) fnJoin(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	sep := ""
	if len(args) > 0 {
		sepColl, err := ctx.eval(args[0], input)
		if err != nil {
			return nil, err
		}
		if len(sepColl) > 0 {
			sep = stringify(sepColl[0])
		}
	}
	parts := make([]string, 0, len(coll))
	for _, item := range coll {
		parts = append(parts, stringify(item))
	}
	return []interface{}{strings.Join(parts, sep)}, nil
}

func stringTransform(coll []interface{}, fn func(string) string) []interface{} {
	if len(coll) == 0 {
		return nil
	}
	return []interface{}{fn(stringify(coll[0]))}
}

func fnToInteger(coll []interface{}) []interface{} {
	if len(coll) == 0 {
		return nil
	}
	switch v := coll[0].(type) {
	case int64:
		return []interface{}{v}
	case int:
		return []interface{}{int64(v)}
	case float64:
		return []interface{}{int64(v)}
	case bool:
		if v {
			return []interface{}{int64(1)}
		}
		return []interface{}{int64(0)}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return []interface{}{n}
		}
	}
	return nil
}

func fnToDecimal(coll []interface{}) []interface{} {
	if len(coll) == 0 {
		return nil
	}
	if n, ok := toNumber(coll[0]); ok {
		return []interface{}{n}
	}
	if s, ok := coll[0].(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return []interface{}{f}
		}
	}
	return nil
}

func fnToDateTime(coll []interface{}) []interface{} {
	if len(coll) == 0 {
		return nil
	}
	switch v := coll[0].(type) {
	case time.Time:
		return []interface{}{v}
	case string:
		if t, err := parseDateTimeLiteral(v); err == nil {
			return []interface{}{t}
		}
	}
	return nil
}

func mathUnary(coll []interface{}, fn func(float64) float64) []interface{} {
	if len(coll) == 0 {
		return nil
	}
	f, ok := toNumber(coll[0])
	if !ok {
		return nil
	}
	r := fn(f)
	if r == math.Trunc(r) && !math.IsInf(r, 0) && !math.IsNaN(r) {
		return []interface{}{int64(r)}
	}
	return []interface{}{r}
}

func distinctCollection(coll []interface{}) []interface{} {
	seen := make(map[string]bool)
	var out []interface{}
	for _, v := range coll {
		key := stringify(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

// ----------------------------------------------------------------------------
// Conversions
// ----------------------------------------------------------------------------

// collectionToBool folds a collection to a boolean: empty is false, a single
// boolean is itself, anything else non-empty is true.
func collectionToBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		default:
			return true
		}
	}
	return true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func isTypeName(name string) bool {
	if name == "" {
		return false
	}
	return unicode.IsUpper(rune(name[0]))
}

// parseDateTimeLiteral accepts the partial-precision date and datetime
// formats FHIR resources carry.
func parseDateTimeLiteral(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04Z07:00",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime %q", s)
}
