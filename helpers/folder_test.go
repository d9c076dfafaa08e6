package helpers

import (
	"strings"
	"testing"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
)

func TestValidateFolderName(t *testing.T) {
	valid := []string{"INBOX", "Archive/2024", "Gelöschte Elemente", "[Gmail]/Sent Mail"}
	for _, name := range valid {
		if err := ValidateFolderName(name); err != nil {
			t.Errorf("ValidateFolderName(%q) = %v", name, err)
		}
	}

	invalid := []string{"", "   ", "bad\r\nname", "nul\x00", "wild*", "wild%", strings.Repeat("a", consts.MaxFolderNameLength+1)}
	for _, name := range invalid {
		err := ValidateFolderName(name)
		if err == nil {
			t.Errorf("ValidateFolderName(%q) = nil, want error", name)
			continue
		}
		if !consts.IsValidationError(err) {
			t.Errorf("ValidateFolderName(%q) returned %T, want *consts.ValidationError", name, err)
		}
	}
}

func TestNormalizeFolderName(t *testing.T) {
	if got := NormalizeFolderName("inbox"); got != "INBOX" {
		t.Errorf("got %q", got)
	}
	if got := NormalizeFolderName("Sent"); got != "Sent" {
		t.Errorf("got %q", got)
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("2d")
	if err != nil || d.Hours() != 48 {
		t.Errorf("ParseDuration(2d) = %v, %v", d, err)
	}
	d, err = ParseDuration("90s")
	if err != nil || d.Seconds() != 90 {
		t.Errorf("ParseDuration(90s) = %v, %v", d, err)
	}
	if _, err := ParseDuration("1.5d"); err == nil {
		t.Error("Expected error for fractional days")
	}
}
