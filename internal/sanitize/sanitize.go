// Package sanitize normalizes untrusted visit fields before they reach the
// store. Every function returns a safe value and never fails.
package sanitize

import (
	"regexp"
	"strings"
)

// UnknownIP is stored when the client address is missing or malformed.
const UnknownIP = "unknown"

const (
	maxUserAgent = 500
	maxPage      = 200
	maxReferrer  = 500
)

var (
	ipv4Re    = regexp.MustCompile(`^(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)$`)
	ipv6Re    = regexp.MustCompile(`^(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}$`)
	scriptRe  = regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`)
	htmlTagRe = regexp.MustCompile(`<[^>]*>`)
)

// IP strips an IPv4-mapped IPv6 prefix and returns the address if it is a
// dotted quad or a fully expanded IPv6 address, otherwise UnknownIP.
func IP(raw string) string {
	ip := strings.TrimPrefix(strings.TrimSpace(raw), "::ffff:")
	if ipv4Re.MatchString(ip) || ipv6Re.MatchString(ip) {
		return ip
	}
	return UnknownIP
}

// UserAgent truncates to 500 characters, then removes script blocks and any
// remaining HTML tags.
func UserAgent(raw string) string {
	ua := truncate(raw, maxUserAgent)
	ua = scriptRe.ReplaceAllString(ua, "")
	return htmlTagRe.ReplaceAllString(ua, "")
}

// Page normalizes a request path into a page key: "/" when empty, always a
// leading slash, at most 200 characters, no trailing slash except for root.
// "/admin/" and "/admin" therefore collapse to the same key.
func Page(raw string) string {
	page := strings.TrimSpace(raw)
	if page == "" {
		return "/"
	}
	if !strings.HasPrefix(page, "/") {
		page = "/" + page
	}
	page = truncate(page, maxPage)
	if trimmed := strings.TrimRight(page, "/"); trimmed != "" {
		page = trimmed
	} else {
		page = "/"
	}
	return page
}

// Referrer truncates to 500 characters. Nil passes through as nil.
func Referrer(raw *string) *string {
	if raw == nil {
		return nil
	}
	ref := truncate(*raw, maxReferrer)
	return &ref
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
