package bridge

import (
	"context"
	"errors"
	"time"
)

// PollUntil repeatedly GETs path until pred accepts the decoded payload or
// the deadline passes. Network errors and 5xx statuses mean "not ready yet";
// 401/403 aborts immediately with *AuthError. On deadline the last observed
// reason (or last_ready_error) is wrapped in *UnavailableError so the caller
// can report why the bridge never came up.
func (c *Client) PollUntil(
	ctx context.Context,
	path string,
	interval, deadline time.Duration,
	traceID string,
	pred func(map[string]any) bool,
) (map[string]any, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	limit := time.Now().Add(deadline)
	var lastReason string
	var lastPayload map[string]any

	for {
		select {
		case <-ctx.Done():
			return lastPayload, ctx.Err()
		case <-timer.C:
		}

		if time.Now().After(limit) {
			return lastPayload, &UnavailableError{Reason: lastReason, TraceID: traceID}
		}

		resp, err := c.Do(ctx, "GET", path, nil, traceID)
		switch {
		case err == nil && resp.Status < 500:
			payload := resp.JSONMap()
			if payload == nil {
				payload = map[string]any{}
			}
			lastPayload = payload
			if r := payloadReason(payload); r != "" {
				lastReason = r
			}
			if pred(payload) {
				return payload, nil
			}
		case err != nil:
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return lastPayload, err
			}
			var netErr *NetworkError
			if !errors.As(err, &netErr) {
				return lastPayload, err
			}
			// Unreachable counts as not-ready; keep waiting.
		default:
			// 5xx: the bridge process exists but is still starting up.
			if r := resp.Reason(); r != "" {
				lastReason = r
			}
		}

		timer.Reset(interval)
	}
}

func payloadReason(payload map[string]any) string {
	for _, key := range []string{"reason", "last_ready_error", "detail"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
