package domain

import (
	"net/url"
	"strings"
)

// NormalizeClientURL validates a node URL and returns its canonical form:
// http(s) only, lowercase scheme and host, no fragment, no trailing slash.
func NormalizeClientURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "clientUrl", Message: "must not be empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &ValidationError{Field: "clientUrl", Message: "invalid URL"}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Field: "clientUrl", Message: "scheme must be http or https"}
	}
	if u.Hostname() == "" {
		return "", &ValidationError{Field: "clientUrl", Message: "host is required"}
	}
	if u.User != nil {
		return "", &ValidationError{Field: "clientUrl", Message: "credentials are not allowed"}
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}
