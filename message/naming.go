package message

import (
	"reflect"
	"strings"
	"unicode"
)

// NamingStrategy derives command type names from Go types.
type NamingStrategy interface {
	TypeName(t reflect.Type) string
}

// KebabNaming converts PascalCase to dot-separated lowercase.
// Example: CreateOrder → "create.order"
var KebabNaming NamingStrategy = kebabNaming{}

// SnakeNaming converts PascalCase to underscore-separated lowercase.
// Example: CreateOrder → "create_order"
var SnakeNaming NamingStrategy = snakeNaming{}

type kebabNaming struct{}

func (kebabNaming) TypeName(t reflect.Type) string {
	return splitPascalCase(baseType(t).Name(), ".")
}

type snakeNaming struct{}

func (snakeNaming) TypeName(t reflect.Type) string {
	return splitPascalCase(baseType(t).Name(), "_")
}

// TypeOf returns the envelope type for cmd. Typed commands name themselves;
// everything else is named by the strategy, KebabNaming when nil.
func TypeOf(cmd any, naming NamingStrategy) string {
	if typed, ok := cmd.(Typed); ok {
		return typed.CommandType()
	}
	if cmd == nil {
		return ""
	}
	if naming == nil {
		naming = KebabNaming
	}
	return naming.TypeName(reflect.TypeOf(cmd))
}

// baseType strips pointer indirections so *CreateOrder and CreateOrder share a name.
func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// splitPascalCase lowercases s and joins its words with sep. A run of
// capitals is one word, so HTTPRequest becomes "http" and "request".
func splitPascalCase(s string, sep string) string {
	rs := []rune(s)
	var b strings.Builder
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) {
			prev := rs[i-1]
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if !unicode.IsUpper(prev) || nextLower {
				b.WriteString(sep)
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
