package api

import (
	"net/url"
	"regexp"
	"unicode/utf8"

	"github.com/voicebridge/voicebridge/internal/devices"
)

// maxNameLen is the maximum length for name fields (device names, usernames).
const maxNameLen = 200

// maxShortStringLen is the maximum length for short identifiers (caller IDs, voices, languages).
const maxShortStringLen = 40

// maxPasswordLen is the maximum length for passwords and SIP secrets.
const maxPasswordLen = 256

// maxURLLen is the maximum length for URL fields.
const maxURLLen = 2048

// maxLongStringLen is the maximum length for longer text fields (messages, queries, prompts).
const maxLongStringLen = 1000

// maxPromptLen is the maximum length for device personality prompts.
const maxPromptLen = 4000

// e164Re validates international numbers in E.164 form: + then up to 15 digits.
var e164Re = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateDialTarget checks that a value is dialable: an E.164 number or a
// 3-6 digit extension.
func validateDialTarget(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if e164Re.MatchString(value) || devices.ValidExtension(value) {
		return ""
	}
	return field + " must be an E.164 number or a 3-6 digit extension"
}

// validateWebhookURL checks an optional callback URL. Only http and https
// schemes are accepted.
func validateWebhookURL(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxURLLen {
		return field + " exceeds maximum length"
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return field + " must be an http or https URL"
	}
	return ""
}

// validateIntRange checks that an optional int pointer is within [min, max].
func validateIntRange(field string, value *int, min, max int) string {
	if value == nil {
		return ""
	}
	if *value < min || *value > max {
		return field + " must be between " + intToStr(min) + " and " + intToStr(max)
	}
	return ""
}

// intToStr converts an int to a string without importing strconv in a tight loop.
func intToStr(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + intToStr(-n)
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
