package cache

import (
	"strings"
	"testing"
)

func TestKey(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"/v1/subscribers/abc", "/v1/subscribers/abc"},
		{"v1/subscribers/abc/", "/v1/subscribers/abc"},
		{"/v1//subscribers/./abc", "/v1/subscribers/abc"},
		{"/v1/offerings?b=2&a=1", "/v1/offerings?a=1&b=2"},
		{"", "/"},
	}

	for _, tt := range tests {
		if got := Key(tt.in); got != tt.expected {
			t.Errorf("Key(%q) = %q, want %q", tt.in, got, tt.expected)
		}
	}
}

func TestKeyHashesLongPaths(t *testing.T) {
	long := "/v1/" + strings.Repeat("x", 300)
	key := Key(long)
	if !strings.HasPrefix(key, "hash_") {
		t.Fatalf("expected hashed key, got %q", key)
	}
	if key != Key(long) {
		t.Error("hashing must be stable")
	}
}
