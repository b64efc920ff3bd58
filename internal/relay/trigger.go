package relay

import (
	"regexp"
	"strings"
	"unicode"
)

// Trigger decides which messages the bridge answers and strips the trigger
// prefix from them. The prefix is literal text matched case-insensitively.
// An empty prefix answers every non-empty message.
type Trigger struct {
	prefix string
	re     *regexp.Regexp
}

// NewTrigger compiles prefix once for repeated use.
func NewTrigger(prefix string) *Trigger {
	t := &Trigger{prefix: prefix}
	if prefix != "" {
		t.re = regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(prefix))
	}
	return t
}

// Prefix returns the configured prefix.
func (t *Trigger) Prefix() string { return t.prefix }

// Matches reports whether body should be answered. It uses the same case
// folding as Extract, so a matched body always has its prefix stripped.
func (t *Trigger) Matches(body string) bool {
	body = strings.TrimSpace(body)
	if body == "" {
		return false
	}
	if t.re == nil {
		return true
	}
	return t.re.MatchString(body)
}

// Extract removes one leading occurrence of the prefix and the whitespace
// after it. Bodies that do not start with the prefix come back unchanged.
func (t *Trigger) Extract(body string) string {
	if t.re == nil {
		return body
	}
	loc := t.re.FindStringIndex(body)
	if loc == nil {
		return body
	}
	return strings.TrimLeftFunc(body[loc[1]:], unicode.IsSpace)
}

// ShouldRespond reports whether body should be answered under prefix.
func ShouldRespond(body, prefix string) bool {
	return NewTrigger(prefix).Matches(body)
}

// ExtractPrompt returns the prompt carried by body under prefix.
func ExtractPrompt(body, prefix string) string {
	return NewTrigger(prefix).Extract(body)
}
