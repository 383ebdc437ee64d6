package api

import (
	"regexp"
	"unicode/utf8"
)

// maxNumbersPerRequest bounds the numbers accepted in one seed or
// association request.
const maxNumbersPerRequest = 500

// maxShortStringLen is the maximum length for short identifiers.
const maxShortStringLen = 100

// e164Re validates E.164 phone numbers.
var e164Re = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// validateE164 checks that a required field is an E.164 number.
func validateE164(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !e164Re.MatchString(value) {
		return field + " must be an E.164 number"
	}
	return ""
}

// validateNumberList checks a non-empty list of E.164 numbers.
func validateNumberList(field string, values []string) string {
	if len(values) == 0 {
		return field + " is required"
	}
	if len(values) > maxNumbersPerRequest {
		return field + " has too many entries"
	}
	for _, v := range values {
		if errMsg := validateE164(field, v); errMsg != "" {
			return errMsg
		}
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}
