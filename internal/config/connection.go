package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Connection is the resolved bridge endpoint for one export attempt. It is
// immutable; callers re-resolve before each operation so live overrides are
// picked up.
type Connection struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	Host      string
	Port      int
	IsLocal   bool
}

// ConnOption overrides a single connection field for one resolution.
type ConnOption func(*connOverrides)

type connOverrides struct {
	baseURL string
	token   *string
	timeout time.Duration
}

// WithBaseURL overrides the bridge base URL for this call.
func WithBaseURL(u string) ConnOption {
	return func(o *connOverrides) { o.baseURL = u }
}

// WithToken overrides the auth token for this call. An empty string disables
// authentication.
func WithToken(t string) ConnOption {
	return func(o *connOverrides) { o.token = &t }
}

// WithTimeout overrides the per-request timeout for this call.
func WithTimeout(d time.Duration) ConnOption {
	return func(o *connOverrides) { o.timeout = d }
}

// Connection resolves a bridge connection from this configuration plus
// per-call overrides. Precedence: override > environment/file layers already
// merged into cfg > defaults.
func (c Config) Connection(opts ...ConnOption) (Connection, error) {
	var ov connOverrides
	for _, opt := range opts {
		opt(&ov)
	}

	raw := c.Bridge.BaseURL
	if ov.baseURL != "" {
		raw = ov.baseURL
	}
	base, host, port, isLocal, err := normalizeBaseURL(raw)
	if err != nil {
		return Connection{}, err
	}

	token := strings.TrimSpace(c.Bridge.AuthToken)
	if ov.token != nil {
		token = strings.TrimSpace(*ov.token)
	}

	timeout := c.Bridge.Timeout()
	if ov.timeout > 0 {
		timeout = ov.timeout
	}

	return Connection{
		BaseURL:   base,
		AuthToken: token,
		Timeout:   timeout,
		Host:      host,
		Port:      port,
		IsLocal:   isLocal,
	}, nil
}

// normalizeBaseURL canonicalizes the configured bridge address. Wildcard
// binds are rewritten to loopback because this client always dials, never
// listens.
func normalizeBaseURL(raw string) (base, host string, port int, isLocal bool, err error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		text = DefaultBaseURL
	}
	if !strings.Contains(text, "://") {
		text = "http://" + text
	}
	parsed, parseErr := url.Parse(text)
	if parseErr != nil {
		return "", "", 0, false, &Error{Field: "bridge.base_url", Reason: parseErr.Error()}
	}
	scheme := parsed.Scheme
	if scheme != "http" && scheme != "https" {
		return "", "", 0, false, &Error{
			Field:  "bridge.base_url",
			Reason: fmt.Sprintf("unsupported scheme %q", scheme),
		}
	}

	host = parsed.Hostname()
	switch host {
	case "", "0.0.0.0", "::", "0":
		host = "127.0.0.1"
	}

	if ip := net.ParseIP(host); ip != nil {
		isLocal = ip.IsLoopback()
	} else {
		isLocal = strings.EqualFold(host, "localhost")
	}

	port = 80
	if scheme == "https" {
		port = 443
	}
	explicitPort := parsed.Port() != ""
	if explicitPort {
		p, perr := net.LookupPort("tcp", parsed.Port())
		if perr != nil {
			return "", "", 0, false, &Error{Field: "bridge.base_url", Reason: perr.Error()}
		}
		port = p
	}

	hostport := host
	if explicitPort || (scheme == "http" && port != 80) || (scheme == "https" && port != 443) {
		hostport = net.JoinHostPort(host, fmt.Sprintf("%d", port))
	}

	rebuilt := url.URL{Scheme: scheme, Host: hostport, Path: strings.TrimRight(parsed.Path, "/")}
	return strings.TrimRight(rebuilt.String(), "/"), host, port, isLocal, nil
}
