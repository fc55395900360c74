package core

import (
	"regexp"
	"strings"
)

// PII redaction for log output. Emails and phone-like sequences are
// rewritten before any field value reaches a sink, including values
// nested inside structures and error stacks.

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// RedactString rewrites PII in a single string.
// Emails become "x***@y***.tld" (first character of the local part and of
// the domain preserved, TLD preserved). Phone-like sequences keep their
// first and last four digits with "***" in between.
func RedactString(s string) string {
	s = emailPattern.ReplaceAllStringFunc(s, redactEmail)
	s = phonePattern.ReplaceAllStringFunc(s, redactPhone)
	return s
}

func redactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]

	redactedLocal := string(local[0]) + "***"

	dot := strings.LastIndexByte(domain, '.')
	if dot <= 0 {
		// Single-part domain: nothing to preserve except the label itself.
		return redactedLocal + "@***." + domain
	}
	return redactedLocal + "@" + string(domain[0]) + "***" + domain[dot:]
}

func redactPhone(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			digits = append(digits, phone[i])
		}
	}
	if len(digits) <= 8 {
		// Too short to preserve both ends meaningfully.
		return "***"
	}
	return string(digits[:4]) + "***" + string(digits[len(digits)-4:])
}

// RedactTree rewrites PII in every string leaf of a value tree.
func RedactTree(v interface{}) interface{} {
	return WalkStrings(v, RedactString)
}

// RedactFields returns a copy of log fields with PII rewritten. Error
// values are stringified so their messages get the same treatment.
func RedactFields(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return fields
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = RedactString(val)
		case error:
			out[k] = RedactString(val.Error())
		case map[string]interface{}, []interface{}:
			out[k] = RedactTree(val)
		default:
			out[k] = v
		}
	}
	return out
}
