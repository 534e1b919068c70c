package store

import (
	"strings"
	"testing"
)

func TestTitleFromContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"short", "hello", "hello"},
		{"exactly fifty", strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{"truncated", strings.Repeat("a", 51), strings.Repeat("a", 50) + "…"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TitleFromContent(tt.content); got != tt.want {
				t.Errorf("TitleFromContent(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

func TestTitleFromContentMultibyte(t *testing.T) {
	content := strings.Repeat("日", 60)
	got := TitleFromContent(content)

	want := strings.Repeat("日", 50) + "…"
	if got != want {
		t.Errorf("multibyte title truncated mid-rune: %q", got)
	}
}
