package server

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func decodeFuzzBody(raw string) (any, bool) {
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var body any
	if err := decoder.Decode(&body); err != nil {
		return nil, false
	}
	return body, true
}

func FuzzParseMetricsBucket(f *testing.F) {
	f.Add(validMetrics)
	f.Add(`{}`)
	f.Add(`[]`)
	f.Add(`{"appName":"a","instanceId":"i","bucket":{"start":"x","stop":1,"toggles":[]}}`)
	f.Add(`{"appName":"a","instanceId":"i","bucket":{"start":"2024-01-01T00:00:00Z","stop":"2024-01-01T00:00:00Z","toggles":{"t":{"yes":1e3,"no":-2,"variants":{"v":0.5}}}}}`)

	f.Fuzz(func(t *testing.T, raw string) {
		body, ok := decodeFuzzBody(raw)
		if !ok {
			return
		}
		bucket, issues := parseMetricsBucket(body)
		if len(issues) > 0 {
			for _, issue := range issues {
				if issue.Message == "" {
					t.Fatalf("parseMetricsBucket(%q) issue %+v has no message", raw, issue)
				}
			}
			return
		}
		for name, tc := range bucket.Toggles {
			if tc.Yes < 0 || tc.No < 0 {
				t.Fatalf("parseMetricsBucket(%q) toggle %q = %+v, want non-negative counts", raw, name, tc)
			}
			for variant, n := range tc.Variants {
				if n < 0 {
					t.Fatalf("parseMetricsBucket(%q) variant %q = %d, want >= 0", raw, variant, n)
				}
			}
		}
	})
}

func FuzzValidateRegistration(f *testing.F) {
	f.Add(`{"appName":"web","interval":10000,"started":"2024-01-01T00:00:00Z","strategies":["default"]}`)
	f.Add(`{"appName":"web","interval":"10","started":0,"strategies":[1]}`)
	f.Add(`null`)
	f.Add(`"text"`)

	f.Fuzz(func(t *testing.T, raw string) {
		body, ok := decodeFuzzBody(raw)
		if !ok {
			return
		}
		issues := validateRegistration(body)

		if _, isObject := body.(map[string]any); !isObject && len(issues) == 0 {
			t.Fatalf("validateRegistration(%q) accepted a non-object body", raw)
		}
		encoded, err := json.Marshal(issues)
		if err != nil {
			t.Fatalf("marshal issues: %v", err)
		}
		if len(issues) > 0 && !bytes.Contains(encoded, []byte(`"path"`)) {
			t.Fatalf("validateRegistration(%q) issues %s missing path", raw, encoded)
		}
	})
}
