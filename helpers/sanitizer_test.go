package helpers

import (
	"strings"
	"testing"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Valid UTF-8 string", "Hello, World!", "Hello, World!"},
		{"UTF-8 with emoji", "Hello 👋 World 🌍", "Hello 👋 World 🌍"},
		{"Empty string", "", ""},
		{"NULL byte in middle", "Hello\x00World", "HelloWorld"},
		{"Only NULL bytes", "\x00\x00\x00", ""},
		{"Invalid UTF-8 sequence", "Hello\xFFWorld", "HelloWorld"},
		{"NULL bytes and invalid UTF-8", "Hello\x00\xFFWorld\x00", "HelloWorld"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeUTF8(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
			if strings.ContainsRune(result, '\x00') {
				t.Errorf("Result still contains NULL bytes: %q", result)
			}
		})
	}
}

func TestCollapseWhitespace(t *testing.T) {
	if got := CollapseWhitespace("  Re:\r\n\t weekly   sync "); got != "Re: weekly sync" {
		t.Errorf("got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo wörld", 5); got != "héllo" {
		t.Errorf("got %q", got)
	}
	if got := Truncate("short", 50); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := Truncate("anything", 0); got != "" {
		t.Errorf("got %q", got)
	}
}
