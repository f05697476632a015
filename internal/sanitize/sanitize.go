// Package sanitize cleans user-authored message text and validates inbound
// payload structures.
package sanitize

import (
	"errors"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	ErrEmpty             = errors.New("message is empty")
	ErrSuspiciousContent = errors.New("message contains disallowed content")
)

const (
	ProfileStrict     = "strict"
	ProfilePermissive = "permissive"

	DefaultMaxBytes = 4096
)

// Warning codes reported alongside a successful Clean.
const (
	WarnTruncated      = "truncated"
	WarnMarkupStripped = "markup_stripped"
	WarnSuspicious     = "suspicious_pattern"
)

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	spaceAroundLF   = regexp.MustCompile(` ?\n ?`)
	excessNewlines  = regexp.MustCompile(`\n{3,}`)
)

type Config struct {
	Profile  string
	MaxBytes int
}

type Result struct {
	Text     string
	Warnings []string
}

// Sanitizer is safe for concurrent use.
type Sanitizer struct {
	policy   *bluemonday.Policy
	strict   bool
	maxBytes int
}

func New(cfg Config) *Sanitizer {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}

	p := bluemonday.NewPolicy()
	p.AllowElements("b", "i", "em", "strong", "br")

	return &Sanitizer{
		policy:   p,
		strict:   cfg.Profile != ProfilePermissive,
		maxBytes: cfg.MaxBytes,
	}
}

// Clean returns the normalized text and any warnings. Text that is empty
// once cleaned is rejected, and so is injection-looking input in the strict
// profile.
func (s *Sanitizer) Clean(text string) (Result, error) {
	var res Result

	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}

	if len(text) > s.maxBytes {
		text = truncate(text, s.maxBytes)
		res.Warnings = append(res.Warnings, WarnTruncated)
	}

	for _, re := range suspiciousPatterns {
		if re.MatchString(text) {
			if s.strict {
				return Result{}, ErrSuspiciousContent
			}
			res.Warnings = append(res.Warnings, WarnSuspicious)
			break
		}
	}

	cleaned := s.policy.Sanitize(text)
	// Quotes in text nodes are harmless and clients render them literally.
	cleaned = strings.NewReplacer("&#39;", "'", "&#34;", `"`).Replace(cleaned)
	if html.UnescapeString(cleaned) != html.UnescapeString(text) {
		res.Warnings = append(res.Warnings, WarnMarkupStripped)
	}

	cleaned = normalizeWhitespace(cleaned)
	if len(cleaned) > s.maxBytes {
		cleaned = dropPartialEntity(truncate(cleaned, s.maxBytes))
		if !contains(res.Warnings, WarnTruncated) {
			res.Warnings = append(res.Warnings, WarnTruncated)
		}
	}

	if cleaned == "" {
		return Result{}, ErrEmpty
	}
	res.Text = cleaned
	return res, nil
}

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = horizontalSpace.ReplaceAllString(s, " ")
	s = spaceAroundLF.ReplaceAllString(s, "\n")
	s = excessNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// dropPartialEntity removes a trailing "&amp" style fragment left by truncation.
func dropPartialEntity(s string) string {
	amp := strings.LastIndexByte(s, '&')
	if amp >= 0 && !strings.Contains(s[amp:], ";") {
		return s[:amp]
	}
	return s
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
