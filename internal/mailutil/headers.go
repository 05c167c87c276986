package mailutil

import (
	"regexp"
	"strings"
)

// ParseRawHeaders parses an RFC 822 header block into a lowercase-keyed map.
// Folded continuation lines (leading whitespace) join the previous value;
// when a header repeats, the last occurrence wins.
func ParseRawHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	var lastKey string
	for _, line := range lines {
		if line == "" {
			break // blank line ends the header block
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey != "" {
				headers[lastKey] += " " + strings.TrimSpace(line)
			}
			continue
		}
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		headers[key] = strings.TrimSpace(line[idx+1:])
		lastKey = key
	}
	return headers
}

var addressRegex = regexp.MustCompile(`^\s*(?:"?([^"<]*)"?\s*)?<([^>]+)>\s*$`)

// ParseAddress splits `Display Name <user@host>` into name and email.
// A bare address yields an empty name.
func ParseAddress(addr string) (name, email string) {
	if m := addressRegex.FindStringSubmatch(addr); m != nil {
		return strings.TrimSpace(m[1]), strings.ToLower(strings.TrimSpace(m[2]))
	}
	return "", strings.ToLower(strings.TrimSpace(addr))
}

// EmailDomain returns the lowercase domain of an address, or "".
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

var emailSyntaxRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// IsValidEmail reports whether the address is syntactically plausible.
func IsValidEmail(email string) bool {
	return emailSyntaxRegex.MatchString(strings.TrimSpace(email))
}
