package client

import (
	"fmt"
	"net/url"
	"strings"
)

// IdentityParam is the query parameter that carries the identity.
const IdentityParam = "name"

// BuildTarget appends the percent-encoded identity to endpoint. Other query
// parameters of endpoint are kept; an existing identity parameter is replaced.
func BuildTarget(endpoint, identity string) (string, error) {
	if identity == "" {
		return "", ErrIdentityMissing
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q is not absolute", endpoint)
	}

	q := u.Query()
	q.Del(IdentityParam)
	param := IdentityParam + "=" + escapeComponent(identity)
	if rest := q.Encode(); rest != "" {
		u.RawQuery = rest + "&" + param
	} else {
		u.RawQuery = param
	}
	return u.String(), nil
}

// escapeComponent percent-encodes s for use as a single query value.
// Spaces become %20 rather than '+'.
func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
