package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactStringEmails(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain email", "alice@example.com", "a***@e***.com"},
		{"email in sentence", "contact bob@corp.io today", "contact b***@c***.io today"},
		{"subdomain preserved tld", "x@mail.internal.net", "x***@m***.net"},
		{"single-part domain", "root@localhost", "r***@***.localhost"},
		{"no email untouched", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactString(tt.input))
		})
	}
}

func TestRedactStringPhones(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain digits", "call 15551234567", "call 1555***4567"},
		{"formatted", "call +1 (555) 123-4567 now", "call 1555***4567 now"},
		{"short number redacted fully", "pin 12345678", "pin ***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactString(tt.input))
		})
	}
}

func TestRedactFields(t *testing.T) {
	fields := map[string]interface{}{
		"email":  "alice@example.com",
		"err":    errors.New("lookup failed for bob@corp.io"),
		"count":  3,
		"nested": map[string]interface{}{"phone": "15551234567"},
	}

	out := RedactFields(fields)

	assert.Equal(t, "a***@e***.com", out["email"])
	assert.Equal(t, "lookup failed for b***@c***.io", out["err"])
	assert.Equal(t, 3, out["count"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, "1555***4567", nested["phone"])

	// Source map untouched.
	assert.Equal(t, "alice@example.com", fields["email"])
}
