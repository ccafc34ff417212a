package emailutil

import "strings"

// Normalize lowercases and trims an email address.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Mask hides the local part of an address for display, keeping its first
// character: "jane@example.com" becomes "j***@example.com".
func Mask(email string) string {
	email = Normalize(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
