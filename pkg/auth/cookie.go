package auth

import (
	"net/url"
	"strings"
)

// CookieSettings are the flags of the session and token cookies.
type CookieSettings struct {
	Secure bool
	// Domain is empty for host-only cookies.
	Domain string
}

// DeriveCookieSettings picks cookie flags for the public base URL.
// Plain HTTP on localhost keeps cookies usable during development, and
// hosts under .internal share cookies across subdomains. forceSecure is for
// deployments behind a TLS-terminating proxy.
func DeriveCookieSettings(baseURL string, forceSecure bool) CookieSettings {
	u, err := url.Parse(baseURL)
	if err != nil || baseURL == "" {
		return CookieSettings{Secure: true}
	}

	settings := CookieSettings{Secure: forceSecure || u.Scheme != "http"}
	if strings.HasSuffix(u.Hostname(), ".internal") {
		settings.Domain = ".internal"
	}
	return settings
}
