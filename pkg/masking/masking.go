// Package masking scrubs secrets from text before it reaches logs, persisted
// events, or public run views. Provider error bodies routinely echo request
// headers and keys; everything that leaves the process boundary passes
// through a Scrubber first.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
)

// PatternConfig is a user-supplied masking pattern from configuration.
type PatternConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// compiledPattern holds a pre-compiled regex with its replacement.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns cover the secret shapes seen in LLM provider traffic.
// Order matters: more specific prefixes run before the generic sweeps.
var builtinPatterns = []PatternConfig{
	{
		Name:        "anthropic_api_key",
		Pattern:     `sk-ant-[A-Za-z0-9\-_]{10,}`,
		Replacement: "***MASKED_API_KEY***",
	},
	{
		Name:        "openai_api_key",
		Pattern:     `sk-[A-Za-z0-9\-_]{16,}`,
		Replacement: "***MASKED_API_KEY***",
	},
	{
		Name:        "bearer_token",
		Pattern:     `(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`,
		Replacement: "Bearer ***MASKED_TOKEN***",
	},
	{
		Name:        "api_key_assignment",
		Pattern:     `(?i)(api[_-]?key|x-api-key)["':\s=]+[A-Za-z0-9\-._~+/]{8,}`,
		Replacement: "$1=***MASKED_API_KEY***",
	},
	{
		Name:        "password_assignment",
		Pattern:     `(?i)(password|passwd|secret)["':\s=]+[^\s"',;&]{4,}`,
		Replacement: "$1=***MASKED_SECRET***",
	},
	{
		Name:        "postgres_url_credentials",
		Pattern:     `(postgres(?:ql)?://[^:/\s]+):[^@/\s]+@`,
		Replacement: "$1:***MASKED***@",
	},
}

// Scrubber applies the built-in patterns plus any custom patterns from
// configuration. Safe for concurrent use; patterns are compiled once.
type Scrubber struct {
	patterns []*compiledPattern
}

// NewScrubber compiles the built-in set plus custom patterns. Invalid custom
// patterns are logged and skipped; the built-in set always compiles (covered
// by tests), so a Scrubber is never weaker than the defaults.
func NewScrubber(custom []PatternConfig) *Scrubber {
	s := &Scrubber{}
	for _, pc := range builtinPatterns {
		s.patterns = append(s.patterns, &compiledPattern{
			name:        pc.Name,
			regex:       regexp.MustCompile(pc.Pattern),
			replacement: pc.Replacement,
		})
	}
	for _, pc := range custom {
		re, err := regexp.Compile(pc.Pattern)
		if err != nil {
			slog.Error("Skipping invalid masking pattern",
				"pattern", pc.Name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &compiledPattern{
			name:        pc.Name,
			regex:       re,
			replacement: pc.Replacement,
		})
	}
	return s
}

// Scrub returns text with every matching secret replaced.
func (s *Scrubber) Scrub(text string) string {
	if text == "" {
		return text
	}
	for _, p := range s.patterns {
		text = p.regex.ReplaceAllString(text, p.replacement)
	}
	return text
}

// ScrubError formats an error with secrets removed. Returns "" for nil.
func (s *Scrubber) ScrubError(err error) string {
	if err == nil {
		return ""
	}
	return s.Scrub(err.Error())
}

// Scrubf formats then scrubs, for log call sites that build messages inline.
func (s *Scrubber) Scrubf(format string, args ...any) string {
	return s.Scrub(fmt.Sprintf(format, args...))
}
