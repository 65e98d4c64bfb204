// Package bridge is the HTTP transport for the Complex Editor bridge. It
// owns the proxy-bypassing client, auth and trace headers, the polling
// primitive, and the typed endpoint wrappers the rest of the repo builds on.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fabriqa/bom-ce-export/internal/config"
	"github.com/fabriqa/bom-ce-export/internal/logging"
)

// Client issues requests against one resolved bridge connection. The
// underlying connection pool is reused across sequential calls.
type Client struct {
	conn config.Connection
	http *http.Client
	log  *slog.Logger
}

// Response is a raw bridge reply before endpoint-specific decoding.
type Response struct {
	Status  int
	Body    []byte
	TraceID string
}

// NewClient creates a client for the given connection. The transport never
// consults proxy environment variables: the bridge is a loopback service and
// corporate proxies must not intercept it.
func NewClient(conn config.Connection) *Client {
	transport := &http.Transport{
		Proxy:               nil,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &Client{
		conn: conn,
		http: &http.Client{Transport: transport},
		log:  logging.Component("bridge"),
	}
}

// Connection returns the connection this client was built from.
func (c *Client) Connection() config.Connection { return c.conn }

func (c *Client) url(path string) string {
	return c.conn.BaseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) headers(req *http.Request, traceID string, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Trace-Id", traceID)
	if c.conn.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.conn.AuthToken)
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

// Do issues one request. traceID must be non-empty (normalize with
// logging.NormalizeTraceID first); it is attached as X-Trace-Id and echoed
// into every log line and error produced for this call. Network failures
// return *NetworkError; 401/403 return *AuthError; every other status is
// returned to the caller for endpoint-specific interpretation.
func (c *Client) Do(ctx context.Context, method, path string, body any, traceID string) (Response, error) {
	var reader io.Reader
	hasBody := body != nil
	if hasBody {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Response{TraceID: traceID}, &ProtocolError{Path: path, Detail: "encode request: " + err.Error(), TraceID: traceID}
		}
		reader = bytes.NewReader(encoded)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if c.conn.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.conn.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.url(path), reader)
	if err != nil {
		return Response{TraceID: traceID}, &ProtocolError{Path: path, Detail: err.Error(), TraceID: traceID}
	}
	c.headers(req, traceID, hasBody)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("bridge request failed", "method", method, "path", path, "trace_id", traceID, "error", err)
		return Response{TraceID: traceID}, &NetworkError{TraceID: traceID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{TraceID: traceID}, &NetworkError{TraceID: traceID, Err: err}
	}

	c.log.Debug("bridge request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"trace_id", traceID,
	)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Response{Status: resp.StatusCode, Body: data, TraceID: traceID},
			&AuthError{Status: resp.StatusCode, TraceID: traceID}
	}

	return Response{Status: resp.StatusCode, Body: data, TraceID: traceID}, nil
}

// JSONMap decodes the response body as a JSON object. An empty body decodes
// to an empty map; a non-object body returns nil.
func (r Response) JSONMap() map[string]any {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil
	}
	return out
}

// JSONList decodes the response body as a JSON array of objects, dropping
// non-object entries.
func (r Response) JSONList() ([]map[string]any, bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal(r.Body, &raw); err != nil {
		return nil, false
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		var m map[string]any
		if err := json.Unmarshal(item, &m); err == nil {
			out = append(out, m)
		}
	}
	return out, true
}

// Reason extracts the machine-readable reason field from a JSON error body,
// falling back to "detail".
func (r Response) Reason() string {
	payload := r.JSONMap()
	if payload == nil {
		return ""
	}
	for _, key := range []string{"reason", "detail"} {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
