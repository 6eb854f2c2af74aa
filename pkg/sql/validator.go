// Package sql builds the statements of the combine pipeline from whitelisted
// identifiers and typed literals, and checks generated text before it is
// submitted.
package sql

import (
	"errors"
	"strings"
)

var (
	// ErrMultipleStatements indicates the text contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")
	// ErrEmptyStatement indicates the text is blank.
	ErrEmptyStatement = errors.New("empty statement")
)

// NormalizeStatement trims whitespace and a trailing semicolon, then rejects
// text that still contains a semicolon outside string literals. Executors
// call it before submitting a job.
func NormalizeStatement(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyStatement
	}

	normalized := stripTrailingSemicolon(text)
	if hasSemicolonOutsideStrings(normalized) {
		return "", ErrMultipleStatements
	}
	return normalized, nil
}

// hasSemicolonOutsideStrings reports a semicolon outside quoted literals and
// quoted identifiers. Doubled quotes re-enter the literal on the next rune.
func hasSemicolonOutsideStrings(text string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
		stateBracket
	)

	state := stateNormal
	for _, char := range text {
		switch state {
		case stateNormal:
			switch char {
			case ';':
				return true
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			case '[':
				state = stateBracket
			}
		case stateSingleQuote:
			if char == '\'' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if char == '"' {
				state = stateNormal
			}
		case stateBracket:
			if char == ']' {
				state = stateNormal
			}
		}
	}

	return false
}

func stripTrailingSemicolon(text string) string {
	text = strings.TrimRight(text, " \t\n\r")
	if strings.HasSuffix(text, ";") {
		text = strings.TrimSuffix(text, ";")
		text = strings.TrimRight(text, " \t\n\r")
	}
	return text
}
