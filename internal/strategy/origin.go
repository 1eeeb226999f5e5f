// ABOUTME: Maps application-relative request URIs onto the origin base URL.

package strategy

import "strings"

// OriginURL joins an origin base URL and a request URI (path plus optional
// query) into the absolute URL the engine fetches and fingerprints.
func OriginURL(base, requestURI string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = "/" + requestURI
	}
	return base + requestURI
}
