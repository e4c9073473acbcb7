package hub

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMatchOrigin(t *testing.T) {
	cases := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"http://timer.local", "*", true},
		{"http://timer.local", "http://timer.local", true},
		{"http://timer.local", "http://kiosk.local", false},
		{"https://booth.venue.example", "https://*.venue.example", true},
		{"http://booth.venue.example", "https://*.venue.example", false},
		{"http://kiosk.venue.example", "http://*.venue.example", true},
		{"http://localhost:5173", "http://localhost:*", true},
		{"http://localhost", "http://localhost:*", true},
		{"http://evil.com:5173", "http://localhost:*", false},
	}
	for _, tc := range cases {
		if got := MatchOrigin(tc.origin, tc.pattern); got != tc.want {
			t.Errorf("MatchOrigin(%q, %q) = %v, want %v", tc.origin, tc.pattern, got, tc.want)
		}
	}
}

func TestSanitizeArgsRedactsSecrets(t *testing.T) {
	out := SanitizeArgs(map[string]interface{}{
		"command": "start",
		"payload": map[string]interface{}{
			"apiToken": "abc",
			"round":    2,
		},
	})
	if strings.Contains(out, "abc") {
		t.Fatalf("expected secret redacted, got %s", out)
	}
	if !strings.Contains(out, `"round":2`) {
		t.Fatalf("expected non-secret kept, got %s", out)
	}
}

func TestSanitizeRaw(t *testing.T) {
	v := SanitizeRaw(json.RawMessage(`{"password":"x","n":1}`))
	m := v.(map[string]interface{})
	if m["password"] != "[REDACTED]" || m["n"] != float64(1) {
		t.Fatalf("unexpected sanitized payload %+v", m)
	}
	if SanitizeRaw(nil) != nil {
		t.Fatal("expected nil for empty payload")
	}
	if SanitizeRaw(json.RawMessage(`"plain"`)) != "plain" {
		t.Fatal("expected scalar payload passed through")
	}
}
