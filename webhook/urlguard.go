package webhook

import (
	"net"
	"net/url"
	"strings"

	"github.com/flowhook/flowhook/core"
)

// GuardURL validates an outbound webhook target. Only http/https URLs
// pointing outside the platform and outside loopback/private address
// space are accepted. Literal IPs are checked directly; DNS resolution
// is deliberately not performed here.
func GuardURL(raw string, platformDomains []string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return guardError("url is not parseable")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return guardError("url scheme must be http or https")
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return guardError("url has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return guardError("url must not target localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		if err := guardIP(ip); err != nil {
			return err
		}
	}
	for _, domain := range platformDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return guardError("url must not target the platform's own domain")
		}
	}
	return nil
}

func guardIP(ip net.IP) error {
	if ip.IsLoopback() {
		return guardError("url must not target a loopback address")
	}
	if ip.IsPrivate() {
		return guardError("url must not target a private address")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return guardError("url must not target a link-local or unspecified address")
	}
	// IPv6 unique-local (fc00::/7).
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && v6[0]&0xfe == 0xfc {
		return guardError("url must not target a unique-local address")
	}
	return nil
}

func guardError(message string) error {
	return &core.DomainError{
		Op:      "webhook.GuardURL",
		Kind:    core.KindValidation,
		Message: message,
		Err:     core.ErrValidation,
	}
}
