package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on a literal.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Name        string // Name of the setting that failed the check
	Value       any    // The value that was checked
}

// CheckParameterForInjection uses libinjection to detect SQL injection
// patterns in a configured literal (consent marker, affirmative answer).
//
// Only string values are checked. Integers cannot carry injection and
// return nil.
func CheckParameterForInjection(name string, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if isSQLi {
		return &InjectionCheckResult{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			Name:        name,
			Value:       value,
		}
	}

	return nil
}

// CheckAllLiterals checks every named literal and returns the failures.
func CheckAllLiterals(values map[string]Value) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for name, v := range values {
		if result := CheckParameterForInjection(name, v.Native()); result != nil {
			results = append(results, result)
		}
	}
	return results
}
