package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowhook/flowhook/core"
)

func TestGuardURL(t *testing.T) {
	platform := []string{"flowhook.io", "flowhook.dev"}

	valid := []string{
		"https://hooks.example.com/receive",
		"http://example.com:8443/path?x=1",
		"https://8.8.8.8/hook",
	}
	for _, raw := range valid {
		assert.NoError(t, GuardURL(raw, platform), raw)
	}

	invalid := []string{
		"ftp://example.com/hook",
		"wss://example.com/hook",
		"not a url at all ://",
		"https://",
		"http://localhost/hook",
		"http://app.localhost/hook",
		"http://127.0.0.1/hook",
		"http://127.0.0.2:9000/hook",
		"https://[::1]/hook",
		"http://10.0.0.5/hook",
		"http://172.16.1.1/hook",
		"http://172.31.255.255/hook",
		"http://192.168.1.10/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/hook",
		"https://[fd12:3456::1]/hook",
		"https://[fe80::1]/hook",
		"https://flowhook.io/hook",
		"https://api.flowhook.io/hook",
		"https://FLOWHOOK.IO/hook",
	}
	for _, raw := range invalid {
		err := GuardURL(raw, platform)
		assert.ErrorIs(t, err, core.ErrValidation, raw)
	}
}

func TestGuardURLAllowsPublicRangesNearPrivate(t *testing.T) {
	// 172.32/12 sits just outside RFC 1918.
	assert.NoError(t, GuardURL("http://172.32.0.1/hook", nil))
	// A domain merely containing a platform name is not a subdomain.
	assert.NoError(t, GuardURL("https://notflowhook.io/hook", []string{"flowhook.io"}))
}
