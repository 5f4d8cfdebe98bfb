// Package address turns user supplied proxy addresses into canonical base URLs.
package address

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalid is wrapped by every rejection returned from Normalize.
var ErrInvalid = errors.New("invalid proxy address")

// schemes maps accepted input schemes to the scheme of the canonical base URL.
var schemes = map[string]string{
	"http":  "http",
	"https": "https",
	"ws":    "http",
	"wss":   "https",
}

// Normalize converts raw into a canonical base URL such as "https://example.com".
// Addresses without a scheme default to https. The result never ends in a slash
// and Normalize(result) == result.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	scheme, ok := schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalid, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalid)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: credentials are not allowed", ErrInvalid)
	}
	if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", fmt.Errorf("%w: query and fragment are not allowed", ErrInvalid)
	}

	out := url.URL{
		Scheme: scheme,
		Host:   strings.ToLower(u.Host),
		Path:   strings.TrimRight(u.Path, "/"),
	}
	return out.String(), nil
}

// HTTPToWS rewrites the scheme of a canonical base URL to its WebSocket
// equivalent: http becomes ws, https becomes wss.
func HTTPToWS(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalid, u.Scheme)
	}
	return u.String(), nil
}
