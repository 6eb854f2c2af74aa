package sql

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind is the type of a literal embedded in a generated statement.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueInt
)

// Value is a semantic literal. Statements never interpolate raw strings;
// values are rendered by kind.
type Value struct {
	Kind ValueKind
	Str  string
	Int  int64
}

// String returns a string literal value.
func String(s string) Value {
	return Value{Kind: ValueString, Str: s}
}

// Int returns an integer literal value.
func Int(i int64) Value {
	return Value{Kind: ValueInt, Int: i}
}

// ParseValue returns an integer value when s is a base-10 integer and a
// string value otherwise.
func ParseValue(s string) Value {
	if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
		return Int(i)
	}
	return String(s)
}

// Literal renders the value as SQL. String quotes are doubled.
func (v Value) Literal() string {
	if v.Kind == ValueInt {
		return strconv.FormatInt(v.Int, 10)
	}
	return "'" + strings.ReplaceAll(v.Str, "'", "''") + "'"
}

// Native returns the Go value (string or int64).
func (v Value) Native() any {
	if v.Kind == ValueInt {
		return v.Int
	}
	return v.Str
}

func (v Value) String() string {
	if v.Kind == ValueInt {
		return strconv.FormatInt(v.Int, 10)
	}
	return v.Str
}

// CheckLiteral rejects string literals libinjection fingerprints as SQL.
func CheckLiteral(name string, v Value) error {
	if result := CheckParameterForInjection(name, v.Native()); result != nil {
		return fmt.Errorf("%s: value looks like SQL injection (fingerprint %s)", name, result.Fingerprint)
	}
	return nil
}
