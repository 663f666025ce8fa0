package txkit

import (
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/schema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// pgFmter encodes values and identifiers with PostgreSQL rules.
var pgFmter = schema.NewQueryGen(pgdialect.New())

// Literal renders v as a PostgreSQL literal (quoted string, numeric,
// TRUE/FALSE, NULL, ...).
func Literal(v any) string {
	return pgFmter.FormatQuery("?", v)
}

type condKind int

const (
	condEq condKind = iota
	condNot
	condIn
	condNotIn
	condLike
	condNotLike
)

// Cond is a tagged comparison for a single field in a condition map.
// The zero value compares equal to NULL; use the constructors instead.
type Cond struct {
	kind    condKind
	value   any
	list    []any
	pattern string
	escape  string
}

// Not negates a condition. Not(nil) means "is not null", Not(v) means "!= v",
// and Not applied to an In/Like condition flips it.
func Not(v any) Cond {
	if c, ok := v.(Cond); ok {
		switch c.kind {
		case condEq:
			c.kind = condNot
		case condNot:
			c.kind = condEq
		case condIn:
			c.kind = condNotIn
		case condNotIn:
			c.kind = condIn
		case condLike:
			c.kind = condNotLike
		case condNotLike:
			c.kind = condLike
		}
		return c
	}
	return Cond{kind: condNot, value: v}
}

// NotNull matches non-null values. Equivalent to Not(nil).
func NotNull() Cond {
	return Cond{kind: condNot, value: nil}
}

// In matches any of the given values. With no values the condition is
// degenerate and renders as the literal false.
func In(values ...any) Cond {
	return Cond{kind: condIn, list: values}
}

// InSlice is In over a typed slice.
func InSlice[T any](values []T) Cond {
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = v
	}
	return Cond{kind: condIn, list: list}
}

// NotIn matches none of the given values. With no values it renders as the
// literal true.
func NotIn(values ...any) Cond {
	return Cond{kind: condNotIn, list: values}
}

// Like matches the pattern, encoded through the ordinary literal path.
func Like(pattern string) Cond {
	return Cond{kind: condLike, pattern: pattern}
}

// LikeEscape matches the pattern with an explicit escape character. The
// pattern is emitted as a raw quoted string; the caller is responsible for
// having encoded wildcard characters already.
func LikeEscape(pattern string, escape rune) Cond {
	return Cond{kind: condLike, pattern: pattern, escape: string(escape)}
}

// NotLike is the negation of Like.
func NotLike(pattern string) Cond {
	return Cond{kind: condNotLike, pattern: pattern}
}

// NotLikeEscape is the negation of LikeEscape.
func NotLikeEscape(pattern string, escape rune) Cond {
	return Cond{kind: condNotLike, pattern: pattern, escape: string(escape)}
}

// isExpression reports whether a field is emitted verbatim instead of being
// quoted as an identifier: it starts with a digit or contains one of ( " + |.
func isExpression(field string) bool {
	if field == "" {
		return false
	}
	if field[0] >= '0' && field[0] <= '9' {
		return true
	}
	return strings.ContainsAny(field, "(\"+|")
}

// renderField quotes an identifier, optionally alias-prefixed, or passes an
// expression through untouched.
func renderField(field, alias string) string {
	if isExpression(field) {
		return field
	}
	if alias != "" {
		return pgFmter.FormatQuery("?.?", bun.Ident(alias), bun.Ident(field))
	}
	return pgFmter.FormatQuery("?", bun.Ident(field))
}

// RenderColumns builds a select list from a field sequence. A nil sequence
// renders as "*" and an empty one as the constant "1". Field order is
// preserved; duplicate detection is the caller's responsibility.
func RenderColumns(fields []string, alias string) string {
	if fields == nil {
		return "*"
	}
	if len(fields) == 0 {
		return "1"
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = renderField(f, alias)
	}
	return strings.Join(parts, ",")
}

// Conditions is an insertion-ordered condition map for RenderWhere. Values are
// either plain values (equality, nil for "is null") or Cond.
type Conditions = orderedmap.OrderedMap[string, any]

// NewConditions creates an empty condition map.
func NewConditions() *Conditions {
	return orderedmap.New[string, any]()
}

// RenderWhere renders a condition map as an AND-joined predicate, iterating in
// insertion order. The empty-string key is special: its value is a raw SQL
// fragment appended after the predicate but before the trailing clause.
func RenderWhere(conds *Conditions, trailing string) string {
	var terms []string
	var raw string

	if conds != nil {
		for pair := conds.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Key == "" {
				if pair.Value != nil {
					raw = fmt.Sprint(pair.Value)
				}
				continue
			}
			terms = append(terms, renderCondition(pair.Key, pair.Value))
		}
	}

	out := strings.Join(terms, " and ")
	for _, tail := range []string{raw, trailing} {
		if tail == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += tail
	}
	return out
}

// renderCondition renders one field/value pair with exhaustive matching over
// the condition kinds.
func renderCondition(field string, v any) string {
	f := renderField(field, "")

	c, ok := v.(Cond)
	if !ok {
		if v == nil {
			return f + " is null"
		}
		return f + "=" + Literal(v)
	}

	switch c.kind {
	case condEq:
		if c.value == nil {
			return f + " is null"
		}
		return f + "=" + Literal(c.value)
	case condNot:
		if c.value == nil {
			return f + " is not null"
		}
		return f + "!=" + Literal(c.value)
	case condIn:
		if len(c.list) == 0 {
			return "false"
		}
		return f + " in (" + literalList(c.list) + ")"
	case condNotIn:
		if len(c.list) == 0 {
			return "true"
		}
		return f + " not in (" + literalList(c.list) + ")"
	case condLike:
		return f + " like " + renderPattern(c)
	case condNotLike:
		return f + " not like " + renderPattern(c)
	}
	return "false"
}

func literalList(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = Literal(v)
	}
	return strings.Join(parts, ",")
}

func renderPattern(c Cond) string {
	if c.escape != "" {
		return "'" + c.pattern + "' escape '" + c.escape + "'"
	}
	return Literal(c.pattern)
}
