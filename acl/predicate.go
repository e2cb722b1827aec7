package acl

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Predicates are a small JavaScript-like expression language:
//
//	r.owner.getIdentifier() === p.getIdentifier() && r.value > 100
//
// Supported: literals (numbers, strings, true, false, null, undefined,
// arrays), variables, member access, index access, method calls, unary
// ! - +, arithmetic, comparison, loose and strict equality, && and ||.

var predicateLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `[ \r\n\t]+`},
	{Name: "Number", Pattern: `(\d+(\.\d*)?|\.\d+)([eE][-+]?\d+)?`},
	{Name: "String", Pattern: `"(\\.|[^"\\])*"|'(\\.|[^'\\])*'`},
	{Name: "Ident", Pattern: `[a-zA-Z_$][a-zA-Z0-9_$]*`},
	{Name: "Operator", Pattern: `===|!==|==|!=|<=|>=|&&|\|\||[-+*/%<>!]`},
	{Name: "Punct", Pattern: `[().,\[\]]`},
})

var predicateParser = participle.MustBuild[expression](
	participle.Lexer(predicateLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

type expression struct {
	Left  *andExpr   `parser:"@@"`
	Right []*andExpr `parser:"( '||' @@ )*"`
}

type andExpr struct {
	Left  *equality   `parser:"@@"`
	Right []*equality `parser:"( '&&' @@ )*"`
}

type equality struct {
	Left *comparison     `parser:"@@"`
	Tail []*equalityTail `parser:"@@*"`
}

type equalityTail struct {
	Op    string      `parser:"@( '===' | '!==' | '==' | '!=' )"`
	Right *comparison `parser:"@@"`
}

type comparison struct {
	Left *additive         `parser:"@@"`
	Tail []*comparisonTail `parser:"@@*"`
}

type comparisonTail struct {
	Op    string    `parser:"@( '<=' | '>=' | '<' | '>' )"`
	Right *additive `parser:"@@"`
}

type additive struct {
	Left *multiplicative `parser:"@@"`
	Tail []*additiveTail `parser:"@@*"`
}

type additiveTail struct {
	Op    string          `parser:"@( '+' | '-' )"`
	Right *multiplicative `parser:"@@"`
}

type multiplicative struct {
	Left *unary                `parser:"@@"`
	Tail []*multiplicativeTail `parser:"@@*"`
}

type multiplicativeTail struct {
	Op    string `parser:"@( '*' | '/' | '%' )"`
	Right *unary `parser:"@@"`
}

type unary struct {
	Op      string   `parser:"  ( @( '!' | '-' | '+' )"`
	Operand *unary   `parser:"    @@ )"`
	Postfix *postfix `parser:"| @@"`
}

type postfix struct {
	Primary   *primary    `parser:"@@"`
	Selectors []*selector `parser:"@@*"`
}

type selector struct {
	Member string        `parser:"  '.' @Ident"`
	Call   bool          `parser:"  ( @'('"`
	Args   []*expression `parser:"    ( @@ ( ',' @@ )* )? ')' )?"`
	Index  *expression   `parser:"| '[' @@ ']'"`
}

type primary struct {
	Number   *float64      `parser:"  @Number"`
	String   *stringLit    `parser:"| @String"`
	Keyword  *string       `parser:"| @( 'true' | 'false' | 'null' | 'undefined' )"`
	Ident    *string       `parser:"| @Ident"`
	IsArray  bool          `parser:"| ( @'['"`
	Elements []*expression `parser:"    ( @@ ( ',' @@ )* )? ']' )"`
	Sub      *expression   `parser:"| '(' @@ ')'"`
}

type stringLit string

func (s *stringLit) Capture(values []string) error {
	raw := values[0]
	body := raw[1 : len(raw)-1]
	var buf strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 == len(body) {
			buf.WriteByte(c)
			continue
		}
		i++
		switch body[i] {
		case 'n':
			buf.WriteByte('\n')
		case 't':
			buf.WriteByte('\t')
		case 'r':
			buf.WriteByte('\r')
		default:
			buf.WriteByte(body[i])
		}
	}
	*s = stringLit(buf.String())
	return nil
}

// Predicate is a parsed predicate expression. It is immutable and safe for
// concurrent use.
type Predicate struct {
	src  string
	expr *expression
}

func CompilePredicate(src string) (*Predicate, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &PredicateError{Predicate: src, Err: errors.New("empty expression")}
	}
	expr, err := predicateParser.ParseString("", src)
	if err != nil {
		return nil, &PredicateError{Predicate: src, Err: err}
	}
	return &Predicate{src: src, expr: expr}, nil
}

func (p *Predicate) String() string {
	return p.src
}

// Eval evaluates the predicate with vars bound and coerces the result to a
// boolean with JavaScript truthiness. Referencing an unbound variable is an
// error.
func (p *Predicate) Eval(vars map[string]any) (bool, error) {
	v, err := p.expr.eval(vars)
	if err != nil {
		return false, &PredicateError{Predicate: p.src, Err: err}
	}
	return truthy(v), nil
}

type undefinedValue struct{}

func (undefinedValue) String() string { return "undefined" }

var undefined = undefinedValue{}

var errNotCallable = errors.New("not a function")

func (e *expression) eval(vars map[string]any) (any, error) {
	v, err := e.Left.eval(vars)
	if err != nil {
		return nil, err
	}
	for _, r := range e.Right {
		if truthy(v) {
			return v, nil
		}
		if v, err = r.eval(vars); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (e *andExpr) eval(vars map[string]any) (any, error) {
	v, err := e.Left.eval(vars)
	if err != nil {
		return nil, err
	}
	for _, r := range e.Right {
		if !truthy(v) {
			return v, nil
		}
		if v, err = r.eval(vars); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (e *equality) eval(vars map[string]any) (any, error) {
	v, err := e.Left.eval(vars)
	if err != nil {
		return nil, err
	}
	for _, t := range e.Tail {
		r, err := t.Right.eval(vars)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case "===":
			v = strictEqual(v, r)
		case "!==":
			v = !strictEqual(v, r)
		case "==":
			v = looseEqual(v, r)
		case "!=":
			v = !looseEqual(v, r)
		}
	}
	return v, nil
}

func (e *comparison) eval(vars map[string]any) (any, error) {
	v, err := e.Left.eval(vars)
	if err != nil {
		return nil, err
	}
	for _, t := range e.Tail {
		r, err := t.Right.eval(vars)
		if err != nil {
			return nil, err
		}
		v = compare(t.Op, v, r)
	}
	return v, nil
}

func (e *additive) eval(vars map[string]any) (any, error) {
	v, err := e.Left.eval(vars)
	if err != nil {
		return nil, err
	}
	for _, t := range e.Tail {
		r, err := t.Right.eval(vars)
		if err != nil {
			return nil, err
		}
		if t.Op == "+" {
			ls, lok := v.(string)
			rs, rok := r.(string)
			if lok || rok {
				if !lok {
					ls = toString(v)
				}
				if !rok {
					rs = toString(r)
				}
				v = ls + rs
				continue
			}
			v = toNumber(v) + toNumber(r)
		} else {
			v = toNumber(v) - toNumber(r)
		}
	}
	return v, nil
}

func (e *multiplicative) eval(vars map[string]any) (any, error) {
	v, err := e.Left.eval(vars)
	if err != nil {
		return nil, err
	}
	for _, t := range e.Tail {
		r, err := t.Right.eval(vars)
		if err != nil {
			return nil, err
		}
		a, b := toNumber(v), toNumber(r)
		switch t.Op {
		case "*":
			v = a * b
		case "/":
			v = a / b
		case "%":
			v = math.Mod(a, b)
		}
	}
	return v, nil
}

func (e *unary) eval(vars map[string]any) (any, error) {
	if e.Postfix != nil {
		return e.Postfix.eval(vars)
	}
	v, err := e.Operand.eval(vars)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "!":
		return !truthy(v), nil
	case "-":
		return -toNumber(v), nil
	default:
		return toNumber(v), nil
	}
}

func (e *postfix) eval(vars map[string]any) (any, error) {
	v, err := e.Primary.eval(vars)
	if err != nil {
		return nil, err
	}
	for _, s := range e.Selectors {
		switch {
		case s.Index != nil:
			idx, err := s.Index.eval(vars)
			if err != nil {
				return nil, err
			}
			if v, err = index(v, idx); err != nil {
				return nil, err
			}
		case s.Call:
			args := make([]any, len(s.Args))
			for i, a := range s.Args {
				if args[i], err = a.eval(vars); err != nil {
					return nil, err
				}
			}
			if v, err = call(v, s.Member, args); err != nil {
				return nil, err
			}
		default:
			if v, err = member(v, s.Member); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func (e *primary) eval(vars map[string]any) (any, error) {
	switch {
	case e.Number != nil:
		return *e.Number, nil
	case e.String != nil:
		return string(*e.String), nil
	case e.Keyword != nil:
		switch *e.Keyword {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		default:
			return undefined, nil
		}
	case e.Ident != nil:
		v, ok := vars[*e.Ident]
		if !ok {
			return nil, evalErrf("%s is not defined", *e.Ident)
		}
		return normalize(v), nil
	case e.IsArray:
		arr := make([]any, len(e.Elements))
		for i, el := range e.Elements {
			v, err := el.eval(vars)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	case e.Sub != nil:
		return e.Sub.eval(vars)
	}
	return undefined, nil
}

func member(v any, name string) (any, error) {
	switch v := v.(type) {
	case nil, undefinedValue:
		return nil, evalErrf("cannot read property '%s' of %s", name, toString(v))
	case string:
		if name == "length" {
			return float64(len([]rune(v))), nil
		}
	case []any:
		if name == "length" {
			return float64(len(v)), nil
		}
	case map[string]any:
		if f, ok := v[name]; ok {
			return normalize(f), nil
		}
	case FieldResource:
		if f, ok := v.Field(name); ok {
			return normalize(f), nil
		}
	}
	return undefined, nil
}

func index(v any, idx any) (any, error) {
	switch v := v.(type) {
	case nil, undefinedValue:
		return nil, evalErrf("cannot read property '%s' of %s", toString(idx), toString(v))
	case []any:
		if n, ok := idx.(float64); ok {
			i := int(n)
			if float64(i) == n && i >= 0 && i < len(v) {
				return v[i], nil
			}
			return undefined, nil
		}
	}
	return member(v, toString(idx))
}

func call(v any, method string, args []any) (any, error) {
	switch v := v.(type) {
	case nil, undefinedValue:
		return nil, evalErrf("cannot read property '%s' of %s", method, toString(v))
	case Resource:
		switch method {
		case "getIdentifier":
			return v.Identifier(), nil
		case "getType":
			fqt := v.FullyQualifiedType()
			return fqt[strings.LastIndexByte(fqt, '.')+1:], nil
		case "getNamespace":
			return v.Namespace(), nil
		case "getFullyQualifiedType":
			return v.FullyQualifiedType(), nil
		case "getFullyQualifiedIdentifier":
			return FullyQualifiedIdentifier(v), nil
		case "instanceOf":
			if len(args) == 1 {
				name, _ := args[0].(string)
				return name != "" && matchName(name, v) && !strings.Contains(name, "*"), nil
			}
		}
	case string:
		arg := ""
		if len(args) > 0 {
			arg = toString(args[0])
		}
		switch method {
		case "startsWith":
			return strings.HasPrefix(v, arg), nil
		case "endsWith":
			return strings.HasSuffix(v, arg), nil
		case "includes":
			return strings.Contains(v, arg), nil
		case "toLowerCase":
			return strings.ToLower(v), nil
		case "toUpperCase":
			return strings.ToUpper(v), nil
		}
	case []any:
		if method == "includes" && len(args) == 1 {
			for _, e := range v {
				if strictEqual(e, args[0]) {
					return true, nil
				}
			}
			return false, nil
		}
	}
	return nil, evalErrf("%s.%s: %w", typeOf(v), method, errNotCallable)
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case undefinedValue:
		return "undefined"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	default:
		return "object"
	}
}

// normalize maps Go values onto the interpreter's value space: numbers
// become float64 and string slices become []any.
func normalize(v any) any {
	switch v := v.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case []string:
		arr := make([]any, len(v))
		for i, s := range v {
			arr[i] = s
		}
		return arr
	default:
		return v
	}
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil, undefinedValue:
		return false
	case bool:
		return v
	case float64:
		return v != 0 && !math.IsNaN(v)
	case string:
		return v != ""
	default:
		return true
	}
}

func toNumber(v any) float64 {
	switch v := v.(type) {
	case nil:
		return 0
	case bool:
		if v {
			return 1
		}
		return 0
	case float64:
		return v
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func toString(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case undefinedValue:
		return "undefined"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	case Resource:
		return FullyQualifiedIdentifier(v)
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = toString(e)
		}
		return strings.Join(parts, ",")
	default:
		return "[object Object]"
	}
}

func strictEqual(a, b any) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case undefinedValue:
		_, ok := b.(undefinedValue)
		return ok
	case bool:
		bb, ok := b.(bool)
		return ok && a == bb
	case float64:
		bf, ok := b.(float64)
		return ok && a == bf
	case string:
		bs, ok := b.(string)
		return ok && a == bs
	case Resource:
		// resources compare by identity: same type, same id
		br, ok := b.(Resource)
		return ok && FullyQualifiedIdentifier(a) == FullyQualifiedIdentifier(br)
	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	if strictEqual(a, b) {
		return true
	}
	if isNullish(a) || isNullish(b) {
		return isNullish(a) && isNullish(b)
	}
	switch a.(type) {
	case float64, bool, string:
	default:
		return false
	}
	switch b.(type) {
	case float64, bool, string:
	default:
		return false
	}
	_, as := a.(string)
	_, bs := b.(string)
	if as && bs {
		return false
	}
	return toNumber(a) == toNumber(b)
}

func isNullish(v any) bool {
	_, undef := v.(undefinedValue)
	return v == nil || undef
}

func compare(op string, a, b any) bool {
	var c int
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		c = strings.Compare(as, bs)
	} else {
		x, y := toNumber(a), toNumber(b)
		if math.IsNaN(x) || math.IsNaN(y) {
			return false
		}
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	}
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default:
		return c >= 0
	}
}
