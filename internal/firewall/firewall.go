// Package firewall sanitizes raw user input before it reaches matching,
// templates, or logs.
//
// The filter is a fixed pattern set, not a model: shell-style escapes,
// template/expression delimiters, and common prompt-injection markers are
// stripped or neutralized. The sanitized form is what the cascade matches
// against; the raw form is preserved verbatim in the turn record.
package firewall

import (
	"regexp"
	"strings"
)

// injectionPatterns are removed from the input wherever they appear.
// Order matters: longer, more specific patterns run first so their fragments
// are not left behind by a shorter one.
var injectionPatterns = []*regexp.Regexp{
	// Prompt-injection markers.
	regexp.MustCompile(`(?i)\bignore (?:all )?(?:previous|prior|above) instructions\b`),
	regexp.MustCompile(`(?i)\bdisregard (?:all )?(?:previous|prior|above) instructions\b`),
	regexp.MustCompile(`(?i)\byou are now\b.{0,40}?\bassistant\b`),
	regexp.MustCompile(`(?i)<\s*/?\s*(?:system|assistant|instructions?)\s*>`),
	regexp.MustCompile(`(?i)\[\s*(?:system|inst)\s*\]`),

	// Template and expression delimiters that could reach the renderer.
	regexp.MustCompile(`\$\{[^}]*\}`),
	regexp.MustCompile(`\{\{[^}]*\}\}`),

	// Shell-style escapes and substitution.
	regexp.MustCompile("`[^`]*`"),
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile(`[;|&]\s*(?:rm|curl|wget|sh|bash|nc)\b`),
}

// controlChars matches control characters other than tab and newline.
var controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)

// Result reports what sanitization did.
type Result struct {
	// Sanitized is the cleaned input.
	Sanitized string

	// Triggered is true when the input was modified in any way.
	Triggered bool
}

// Sanitize strips injection patterns and control characters from input and
// collapses the leftover whitespace.
func Sanitize(input string) Result {
	cleaned := input

	for _, re := range injectionPatterns {
		cleaned = re.ReplaceAllString(cleaned, " ")
	}
	cleaned = controlChars.ReplaceAllString(cleaned, "")
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	return Result{
		Sanitized: cleaned,
		Triggered: cleaned != strings.Join(strings.Fields(input), " "),
	}
}
