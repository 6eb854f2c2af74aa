package sql

import (
	"testing"
)

func TestCheckParameterForInjection(t *testing.T) {
	tests := []struct {
		name            string
		value           any
		expectInjection bool
	}{
		{"consent marker", "EHRConsentPII_ConsentPermission", false},
		{"numeric answer string", "1586100", false},
		{"answer code", "ConsentPermission_Yes", false},
		{"integer value", int64(1586100), false},
		{"nil value", nil, false},
		{"classic quote injection", "' OR '1'='1", true},
		{"drop table injection", "'; DROP TABLE person--", true},
		{"union select injection", "1 UNION SELECT * FROM passwords", true},
		{"comment injection", "admin'--", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckParameterForInjection("marker_value", tt.value)
			if tt.expectInjection {
				if result == nil {
					t.Fatalf("expected injection detection for %v", tt.value)
				}
				if result.Fingerprint == "" {
					t.Errorf("expected non-empty fingerprint for %v", tt.value)
				}
				if result.Name != "marker_value" {
					t.Errorf("got name %q", result.Name)
				}
				return
			}
			if result != nil {
				t.Errorf("value %v flagged as injection: fingerprint=%q", tt.value, result.Fingerprint)
			}
		})
	}
}

func TestCheckAllLiterals(t *testing.T) {
	results := CheckAllLiterals(map[string]Value{
		"marker_value":      String("EHRConsentPII_ConsentPermission"),
		"affirmative_value": String("' OR 1=1--"),
		"tie":               Int(7),
	})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Name != "affirmative_value" {
		t.Errorf("got %q", results[0].Name)
	}
}
