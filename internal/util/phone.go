package util

import (
	"regexp"
	"strings"
)

var nonDigits = regexp.MustCompile(`[^\d\+]+`)

// NormalizePhone turns user or provider input into E.164-like "+<digits>".
// Numbers without an international prefix get defaultCC (digits only, e.g. "1").
func NormalizePhone(raw, defaultCC string) string {
	s := nonDigits.ReplaceAllString(strings.TrimSpace(raw), "")
	if s == "" {
		return ""
	}

	cc := strings.TrimPrefix(strings.TrimSpace(defaultCC), "+")

	switch {
	case strings.HasPrefix(s, "+"):
		s = "+" + strings.ReplaceAll(s[1:], "+", "")
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case cc != "" && strings.HasPrefix(s, cc) && len(s) > 10:
		s = "+" + s
	case strings.HasPrefix(s, "0") && cc != "":
		s = "+" + cc + strings.TrimLeft(s, "0")
	case cc != "":
		s = "+" + cc + s
	default:
		s = "+" + s
	}

	if len(s) < 8 {
		return ""
	}
	return s
}
