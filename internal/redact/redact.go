// Package redact scrubs credentials, connection strings, tokens and stack traces
// from error text before it is logged or persisted on a failed task row, where
// every farm member and operator can read it.
package redact

import (
	"regexp"
	"unicode/utf8"
)

// Placeholders substituted for redacted content
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
	RedactedStackPlaceholder      = "[STACK_TRACE_REDACTED]"
)

// MaxMessageLength bounds error text stored on task rows.
const MaxMessageLength = 2000

type rule struct {
	pattern     *regexp.Regexp
	placeholder string
}

// Order matters: connection strings are scrubbed before the generic key rule
// can split them.
var rules = []rule{
	{
		regexp.MustCompile(`(?i)(postgres|postgresql|mysql|sqlserver|mongodb|redis|amqp)://[^@\s]+@`),
		RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s;]{3,}`),
		RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		RedactedJWTPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)(api[_-]?key|token|secret|access[_-]?key)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`),
		RedactedKeyPlaceholder,
	},
	{
		regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`),
		RedactedStackPlaceholder,
	},
}

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, r := range rules {
		result = r.pattern.ReplaceAllString(result, r.placeholder)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Message redacts err and truncates the result to MaxMessageLength bytes
// without splitting a UTF-8 sequence.
func Message(err error) string {
	msg := Error(err)
	if len(msg) <= MaxMessageLength {
		return msg
	}

	cut := MaxMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
