// ABOUTME: Request fingerprinting for cache keys.
// ABOUTME: Normalizes method and URL into a stable partition lookup key.

package strategy

import (
	"net/url"
	"strings"
)

// Fingerprint returns the normalized cache key for a request: the upper-cased
// method and the URL with scheme/host lower-cased, default ports stripped and
// the fragment dropped. Query strings are preserved as sent.
func Fingerprint(method, rawURL string) string {
	method = strings.ToUpper(method)

	u, err := url.Parse(rawURL)
	if err != nil {
		// An unparseable URL still needs a stable key
		return method + " " + rawURL
	}

	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	if u.Path == "" {
		u.Path = "/"
	}

	return method + " " + u.String()
}
