package validation

import (
	"strings"
	"unicode"
)

// SanitizeClientID removes control and non-printable characters from an MQTT
// client ID. A positive maxLength truncates the result; upstream client IDs are
// resource paths and are passed with maxLength 0.
func SanitizeClientID(clientID string, maxLength int) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, clientID)

	if maxLength > 0 && len(sanitized) > maxLength {
		sanitized = sanitized[:maxLength]
	}

	return sanitized
}

// SanitizeUsername removes control characters and quoting characters from a
// username and trims surrounding whitespace.
func SanitizeUsername(username string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' || r == '\'' || r == '\\' {
			return -1
		}
		return r
	}, username)

	sanitized = strings.TrimSpace(sanitized)
	if len(sanitized) > 128 {
		sanitized = sanitized[:128]
	}
	return sanitized
}

// SanitizePassword removes null bytes and control characters other than tab,
// newline and carriage return. Hash strings pass through unchanged.
func SanitizePassword(password string) string {
	return strings.Map(func(r rune) rune {
		if r == '\x00' || (unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r') {
			return -1
		}
		return r
	}, password)
}

// SanitizeConfigString removes control characters except spaces and tabs,
// trims whitespace and applies an optional length limit.
func SanitizeConfigString(input string, maxLength int) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != ' ' && r != '\t' {
			return -1
		}
		return r
	}, input)

	sanitized = strings.TrimSpace(sanitized)
	if maxLength > 0 && len(sanitized) > maxLength {
		sanitized = sanitized[:maxLength]
	}
	return sanitized
}

// LastPathSegment returns the part of s after the final '/', or s itself.
// It derives the device id from a resource-path client id.
func LastPathSegment(s string) string {
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
