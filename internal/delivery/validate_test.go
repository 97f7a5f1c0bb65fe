package delivery

import (
	"strings"
	"testing"
)

func TestValidateContent_Valid(t *testing.T) {
	cases := []string{
		"hello",
		"multi\nline\nmessage",
		"emoji \U0001F44D and accents éàü",
		strings.Repeat("a", MaxContentChars),
	}
	for i, c := range cases {
		if err := ValidateContent(c); err != nil {
			t.Errorf("case %d: expected valid content, got %v", i, err)
		}
	}
}

func TestValidateContent_EmptyOrWhitespace(t *testing.T) {
	for _, c := range []string{"", "   ", "\n\t  \n"} {
		if err := ValidateContent(c); err == nil {
			t.Errorf("expected %q to be rejected", c)
		}
	}
}

func TestValidateContent_ByteLimit(t *testing.T) {
	// Multi-byte runes: under the character limit but over the byte limit.
	content := strings.Repeat("日", 1500) // 4500 bytes, 1500 chars
	if err := ValidateContent(content); err == nil {
		t.Error("expected byte-limit rejection")
	}
}

func TestValidateContent_CharLimit(t *testing.T) {
	if err := ValidateContent(strings.Repeat("a", MaxContentChars+1)); err == nil {
		t.Error("expected character-limit rejection")
	}
}

func TestValidateContent_InvalidUTF8(t *testing.T) {
	if err := ValidateContent("ok\xff\xfe"); err == nil {
		t.Error("expected invalid UTF-8 rejection")
	}
}
