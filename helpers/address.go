package helpers

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/marcuscabrera/simple-webmail-imap/consts"
)

// SplitEmailAddress returns the lowercased local part and domain of an
// address.
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return "", "", fmt.Errorf("invalid email address %q", email)
	}
	return local, domain, nil
}

// DisplayUsername returns the part of a login name shown as the user's name:
// the local part for an address, the whole name otherwise.
func DisplayUsername(login string) string {
	if local, _, err := SplitEmailAddress(login); err == nil {
		return local
	}
	return strings.TrimSpace(login)
}

// FormatAddress renders an address the way it reads in a mail client,
// "Name <user@example.com>" or the bare address when there is no name.
func FormatAddress(a *mail.Address) string {
	if a == nil {
		return ""
	}
	name := CollapseWhitespace(a.Name)
	if name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", name, a.Address)
}

// FormatAddressList joins FormatAddress over addrs with ", ".
func FormatAddressList(addrs []*mail.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if s := FormatAddress(a); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// ParseRecipients parses a comma separated recipient list. At least one
// address is required; failures are *consts.ValidationError.
func ParseRecipients(list string) ([]*mail.Address, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, consts.NewValidationError("to", "no recipients")
	}
	addrs, err := mail.ParseAddressList(list)
	if err != nil {
		return nil, consts.NewValidationError("to", err.Error())
	}
	if len(addrs) == 0 {
		return nil, consts.NewValidationError("to", "no recipients")
	}
	return addrs, nil
}
