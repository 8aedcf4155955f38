package util

import (
	"regexp"
	"strings"
)

var (
	uuidRegex       = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	accessCodeRegex = regexp.MustCompile(`^[0-9a-f]{16}-[0-9a-f]{8}$`)
)

const MaxDisplayNameLength = 64

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsWellFormedAccessCode is a cheap pre-check before hashing and a DB lookup.
func IsWellFormedAccessCode(s string) bool {
	return accessCodeRegex.MatchString(s)
}

// NormalizeDisplayName trims whitespace and rejects names that are too long.
// An empty result means the caller should fall back to the default name.
func NormalizeDisplayName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) > MaxDisplayNameLength {
		return "", false
	}
	return name, true
}
