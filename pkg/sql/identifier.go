package sql

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidIdentifier indicates a dataset, table or column name outside the
// accepted identifier alphabet.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// identifierRegex accepts plain unquoted SQL identifiers: a letter or
// underscore followed by letters, digits or underscores.
var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

// ValidateIdentifier returns ErrInvalidIdentifier unless name is a plain
// identifier. Every name that reaches a generated statement passes through here.
func ValidateIdentifier(name string) error {
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// ValidateIdentifiers validates each name in order and returns the first failure.
func ValidateIdentifiers(names ...string) error {
	for _, n := range names {
		if err := ValidateIdentifier(n); err != nil {
			return err
		}
	}
	return nil
}
