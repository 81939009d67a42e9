package model

import "strings"

// Normalize maps the sentinel values peers use for "no value" to the empty
// string. It is applied once, when a profile enters the process.
func Normalize(s string) string {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "", "null", "unknown":
		return ""
	}
	return t
}

// NormalizeRole additionally treats "none" as absent.
func NormalizeRole(s string) string {
	t := Normalize(s)
	if strings.EqualFold(t, "none") {
		return ""
	}
	return t
}
