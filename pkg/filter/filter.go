// Package filter compiles the list-endpoint filterQuery DSL into
// parameterized SQL. Queries look like
//
//	status = 'QUEUED' AND (type = 'REBOOT' OR type = 'POWER_MODE')
//	retry_count >= 2 AND created_at < '2026-08-01T00:00:00Z'
//	site_id IN ('site-a', 'site-b')
//
// Fields are resolved through a per-endpoint Schema allowlist; values are
// always bound as SQL arguments, never interpolated.
package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// MaxQueryLength bounds filterQuery size to keep parse cost trivial.
const MaxQueryLength = 1024

// FieldType declares how a schema field's values are typed and bound.
type FieldType int

const (
	FieldString FieldType = iota
	FieldNumber
	FieldBool
	FieldTime
)

// Field maps an exposed filter field to its SQL column and type.
type Field struct {
	Column string
	Type   FieldType
}

// Schema is the allowlist of filterable fields for one endpoint.
type Schema map[string]Field

// Predicate is a compiled filter ready for gorm's Where.
type Predicate struct {
	SQL  string
	Args []any
}

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "whitespace", Pattern: `\s+`},
	{Name: "Keyword", Pattern: `(?i)\b(AND|OR|IN|LIKE|TRUE|FALSE|NULL)\b`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "String", Pattern: `'(?:[^']|'')*'|"(?:[^"]|"")*"`},
	{Name: "Number", Pattern: `[-+]?\d+(?:\.\d+)?`},
	{Name: "Operator", Pattern: `!=|>=|<=|=|>|<`},
	{Name: "Punct", Pattern: `[(),]`},
})

type expr struct {
	Terms []*andExpr `parser:"@@ ( 'OR' @@ )*"`
}

type andExpr struct {
	Factors []*factor `parser:"@@ ( 'AND' @@ )*"`
}

type factor struct {
	Grouped *expr       `parser:"'(' @@ ')'"`
	Cmp     *comparison `parser:"| @@"`
}

type comparison struct {
	Field string `parser:"@Ident"`
	RHS   *rhs   `parser:"@@"`
}

type rhs struct {
	In  []*value `parser:"'IN' '(' @@ ( ',' @@ )* ')'"`
	Bin *binRHS  `parser:"| @@"`
}

type binRHS struct {
	Op    string `parser:"@( Operator | 'LIKE' )"`
	Value *value `parser:"@@"`
}

type value struct {
	Str  *string  `parser:"@String"`
	Num  *float64 `parser:"| @Number"`
	Bool *string  `parser:"| @( 'TRUE' | 'FALSE' )"`
	Null bool     `parser:"| @'NULL'"`
}

var filterParser = participle.MustBuild[expr](
	participle.Lexer(filterLexer),
	participle.CaseInsensitive("Keyword"),
	participle.Elide("whitespace"),
	participle.UseLookahead(2),
)

// Compile parses query against schema and returns a bound predicate. An
// empty query compiles to a nil predicate.
func Compile(query string, schema Schema) (*Predicate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if len(query) > MaxQueryLength {
		return nil, fmt.Errorf("invalid filter: query exceeds %d characters", MaxQueryLength)
	}
	ast, err := filterParser.ParseString("", query)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	sql, args, err := compileExpr(ast, schema)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return &Predicate{SQL: sql, Args: args}, nil
}

func compileExpr(e *expr, schema Schema) (string, []any, error) {
	parts := make([]string, 0, len(e.Terms))
	var args []any
	for _, term := range e.Terms {
		sql, a, err := compileAnd(term, schema)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		args = append(args, a...)
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", args, nil
}

func compileAnd(a *andExpr, schema Schema) (string, []any, error) {
	parts := make([]string, 0, len(a.Factors))
	var args []any
	for _, f := range a.Factors {
		sql, fa, err := compileFactor(f, schema)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		args = append(args, fa...)
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", args, nil
}

func compileFactor(f *factor, schema Schema) (string, []any, error) {
	if f.Grouped != nil {
		return compileExpr(f.Grouped, schema)
	}
	return compileComparison(f.Cmp, schema)
}

func compileComparison(c *comparison, schema Schema) (string, []any, error) {
	field, ok := schema[c.Field]
	if !ok {
		return "", nil, fmt.Errorf("unknown field %q", c.Field)
	}

	if len(c.RHS.In) > 0 {
		args := make([]any, 0, len(c.RHS.In))
		holes := make([]string, 0, len(c.RHS.In))
		for _, v := range c.RHS.In {
			arg, err := bindValue(c.Field, field, v)
			if err != nil {
				return "", nil, err
			}
			if arg == nil {
				return "", nil, fmt.Errorf("field %q: NULL is not allowed in IN lists", c.Field)
			}
			args = append(args, arg)
			holes = append(holes, "?")
		}
		return field.Column + " IN (" + strings.Join(holes, ",") + ")", args, nil
	}

	op := strings.ToUpper(c.RHS.Bin.Op)
	v := c.RHS.Bin.Value

	if v.Null {
		switch op {
		case "=":
			return field.Column + " IS NULL", nil, nil
		case "!=":
			return field.Column + " IS NOT NULL", nil, nil
		default:
			return "", nil, fmt.Errorf("field %q: NULL only supports = and !=", c.Field)
		}
	}

	if err := checkOp(c.Field, field.Type, op); err != nil {
		return "", nil, err
	}
	arg, err := bindValue(c.Field, field, v)
	if err != nil {
		return "", nil, err
	}
	return field.Column + " " + op + " ?", []any{arg}, nil
}

func checkOp(name string, ft FieldType, op string) error {
	switch ft {
	case FieldBool:
		if op != "=" && op != "!=" {
			return fmt.Errorf("field %q: boolean fields only support = and !=", name)
		}
	case FieldNumber, FieldTime:
		if op == "LIKE" {
			return fmt.Errorf("field %q: LIKE requires a string field", name)
		}
	}
	return nil
}

// bindValue converts a parsed literal into a typed bind argument. Returns
// nil for NULL.
func bindValue(name string, field Field, v *value) (any, error) {
	if v.Null {
		return nil, nil
	}
	switch field.Type {
	case FieldString:
		if v.Str == nil {
			return nil, fmt.Errorf("field %q expects a quoted string", name)
		}
		return unquote(*v.Str), nil
	case FieldNumber:
		if v.Num == nil {
			return nil, fmt.Errorf("field %q expects a number", name)
		}
		return *v.Num, nil
	case FieldBool:
		if v.Bool == nil {
			return nil, fmt.Errorf("field %q expects TRUE or FALSE", name)
		}
		return strings.EqualFold(*v.Bool, "TRUE"), nil
	case FieldTime:
		if v.Str == nil {
			return nil, fmt.Errorf("field %q expects an RFC 3339 timestamp string", name)
		}
		ts, err := time.Parse(time.RFC3339, unquote(*v.Str))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("field %q has an unsupported type", name)
	}
}

func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	q := s[0]
	body := s[1 : len(s)-1]
	switch q {
	case '\'':
		return strings.ReplaceAll(body, "''", "'")
	case '"':
		return strings.ReplaceAll(body, `""`, `"`)
	}
	return s
}
