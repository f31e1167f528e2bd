package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPath is the well-known path the automation backend listens on.
const DefaultPath = "/mcp"

// EndpointURL builds the bridge endpoint for the given host and port.
// The ws scheme is used unless secure is set, in which case wss.
func EndpointURL(host string, port int, secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, port, DefaultPath)
}

// ValidateEndpoint checks that raw is a usable ws or wss URL and returns it
// in normalized form.
func ValidateEndpoint(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", &ProtocolError{Reason: "invalid endpoint", Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", &ProtocolError{Reason: "endpoint scheme must be ws or wss, got " + u.Scheme}
	}
	if u.Host == "" {
		return "", &ProtocolError{Reason: "endpoint missing host"}
	}
	if u.Path == "" {
		u.Path = DefaultPath
	}
	return u.String(), nil
}
