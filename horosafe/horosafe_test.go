package horosafe

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateURL(t *testing.T) {
	// WHAT: Source URLs pointing at internal addresses are refused.
	// WHY: The catalog and redirect targets are untrusted input.
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://93.184.216.34/feed.xml", false},
		{"http://8.8.8.8/rss", false},
		{"ftp://example.com/feed", true},
		{"javascript:alert(1)", true},
		{"http://127.0.0.1/admin", true},
		{"http://10.1.2.3/internal", true},
		{"http://192.168.1.1/rss", true},
		{"http://[::1]/rss", true},
		{"http://172.16.0.1/feed", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http:///nohost", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 10)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader(strings.Repeat("x", 11)), 10); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if _, err := LimitedReadAll(strings.NewReader(strings.Repeat("x", 10)), 10); err != nil {
		t.Fatalf("exact limit: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	// WHAT: Truncation counts runes, never splitting a multi-byte character.
	// WHY: Feed titles are frequently non-Latin.
	if got := Truncate("  short  ", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	got := Truncate("Київ під обстрілом", 4)
	if got != "Київ" {
		t.Errorf("got %q, want Київ", got)
	}
	if !utf8.ValidString(Truncate("ab\xffcd", 3)) {
		t.Error("result is not valid UTF-8")
	}
	if got := Truncate("anything", 0); got != "anything" {
		t.Errorf("max 0 should not truncate, got %q", got)
	}
}
