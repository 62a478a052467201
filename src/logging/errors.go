package logging

import "strings"

// MatchesAny reports whether the error text contains any of the patterns, ignoring case.
func MatchesAny(err error, patterns ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func IsRateLimit(err error) bool {
	return MatchesAny(err, "rate_limit", "rate limit", "429")
}
