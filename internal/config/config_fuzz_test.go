package config

import (
	"strings"
	"testing"
)

func FuzzSanitizeBasePath(f *testing.F) {
	f.Add("")
	f.Add("   ")
	f.Add("/base/path/")
	f.Add("//x//")

	f.Fuzz(func(t *testing.T, path string) {
		got := SanitizeBasePath(path)
		if got == "" {
			return
		}
		if !strings.HasPrefix(got, "/") || strings.HasPrefix(got, "//") {
			t.Fatalf("SanitizeBasePath(%q) = %q, want exactly one leading slash", path, got)
		}
		if strings.HasSuffix(got, "/") {
			t.Fatalf("SanitizeBasePath(%q) = %q, want no trailing slash", path, got)
		}
		if again := SanitizeBasePath(got); again != got {
			t.Fatalf("SanitizeBasePath not idempotent: %q -> %q", got, again)
		}
	})
}

func FuzzSplitList(f *testing.F) {
	f.Add("a,b")
	f.Add(", ,")
	f.Add("key-a,   key-b")

	f.Fuzz(func(t *testing.T, value string) {
		for _, item := range SplitList(value) {
			if item == "" || strings.TrimSpace(item) != item {
				t.Fatalf("SplitList(%q) produced untrimmed item %q", value, item)
			}
			if strings.Contains(item, ",") {
				t.Fatalf("SplitList(%q) produced item containing a comma: %q", value, item)
			}
		}
	})
}
