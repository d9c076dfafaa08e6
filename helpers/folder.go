package helpers

import (
	"strings"
	"unicode/utf8"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
)

// ValidateFolderName rejects names that cannot be sent to an IMAP server as
// a mailbox argument. It does not check that the folder exists.
func ValidateFolderName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return consts.NewValidationError("folder", "must not be empty")
	case len(name) > consts.MaxFolderNameLength:
		return consts.NewValidationError("folder", "name is too long")
	case !utf8.ValidString(name):
		return consts.NewValidationError("folder", "name is not valid UTF-8")
	case strings.ContainsAny(name, "\x00\r\n"):
		return consts.NewValidationError("folder", "name contains control characters")
	case strings.ContainsAny(name, "*%"):
		return consts.NewValidationError("folder", "name contains list wildcards")
	}
	return nil
}

// NormalizeFolderName maps any case variant of INBOX to "INBOX", which IMAP
// treats case-insensitively. Other names are returned unchanged.
func NormalizeFolderName(name string) string {
	if strings.EqualFold(name, consts.InboxName) {
		return consts.InboxName
	}
	return name
}
