package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HealthPayload is the decoded body of GET /admin/health.
type HealthPayload struct {
	Ready         bool   `json:"ready"`
	Headless      bool   `json:"headless"`
	AllowHeadless *bool  `json:"allow_headless"`
	Reason        string `json:"reason"`
	TraceID       string `json:"trace_id"`
}

// HeadlessAllowed reports whether headless exports are permitted. The field
// defaults to true when the bridge omits it.
func (h HealthPayload) HeadlessAllowed() bool {
	if h.AllowHeadless == nil {
		return true
	}
	return *h.AllowHeadless
}

// ExportsAllowed reports whether the bridge would accept an export right now.
func (h HealthPayload) ExportsAllowed() bool {
	return h.Ready && (!h.Headless || h.HeadlessAllowed())
}

// HealthFromMap decodes a polled health payload, as handed to a PollUntil
// predicate.
func HealthFromMap(payload map[string]any) HealthPayload {
	var h HealthPayload
	if v, ok := payload["ready"].(bool); ok {
		h.Ready = v
	}
	if v, ok := payload["headless"].(bool); ok {
		h.Headless = v
	}
	if v, ok := payload["allow_headless"].(bool); ok {
		h.AllowHeadless = &v
	}
	if v, ok := payload["reason"].(string); ok {
		h.Reason = v
	}
	if v, ok := payload["trace_id"].(string); ok {
		h.TraceID = v
	}
	return h
}

// Health probes GET /admin/health once. A non-2xx status is returned in
// Response with a zero payload; callers decide whether that is fatal.
func (c *Client) Health(ctx context.Context, traceID string) (HealthPayload, Response, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/admin/health", nil, traceID)
	if err != nil {
		return HealthPayload{}, resp, err
	}
	var payload HealthPayload
	if len(resp.Body) > 0 {
		// Tolerate junk bodies from half-started bridges.
		_ = json.Unmarshal(resp.Body, &payload)
	}
	return payload, resp, nil
}

// ExportRequest is the body of POST /exports/mdb.
type ExportRequest struct {
	CompIDs []int  `json:"comp_ids"`
	OutDir  string `json:"out_dir"`
	MdbName string `json:"mdb_name"`
}

// ExportReply is the decoded body of a /exports/mdb response, successful or
// not. Status carries the HTTP code so the orchestrator can apply its
// outcome table.
type ExportReply struct {
	Status          int
	Reason          string
	Detail          string
	ExportPath      string
	ExportedCompIDs []int
	Missing         []int
	Unlinked        []int
	TraceID         string
}

// ExportMDB submits one export request. Transport-level failures (network,
// auth) are returned as errors; every HTTP status including 4xx/5xx comes
// back as an ExportReply for outcome mapping.
func (c *Client) ExportMDB(ctx context.Context, req ExportRequest, traceID string) (ExportReply, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/exports/mdb", req, traceID)
	if err != nil {
		return ExportReply{TraceID: traceID}, err
	}

	payload := resp.JSONMap()
	reply := ExportReply{
		Status:  resp.Status,
		TraceID: traceID,
	}
	if payload == nil {
		return reply, nil
	}
	if v, ok := payload["reason"].(string); ok {
		reply.Reason = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := payload["detail"].(string); ok {
		reply.Detail = strings.TrimSpace(v)
	}
	if v, ok := payload["export_path"].(string); ok {
		reply.ExportPath = v
	}
	if v, ok := payload["trace_id"].(string); ok && strings.TrimSpace(v) != "" {
		reply.TraceID = strings.TrimSpace(v)
	}
	reply.ExportedCompIDs = intList(payload["exported_comp_ids"])
	reply.Missing = intList(payload["missing"])
	reply.Unlinked = intList(payload["unlinked"])
	return reply, nil
}

// SearchComplexes queries GET /complexes/search with analysis enabled.
// The limit is clamped to [1, 200], matching the bridge's own bounds.
func (c *Client) SearchComplexes(ctx context.Context, pn string, limit int, traceID string) ([]map[string]any, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	query := url.Values{}
	query.Set("pn", pn)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("analyze", "true")

	path := "/complexes/search?" + query.Encode()
	resp, err := c.Do(ctx, http.MethodGet, path, nil, traceID)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &ProtocolError{
			Path:    "/complexes/search",
			Detail:  fmt.Sprintf("HTTP %d: %s", resp.Status, resp.Reason()),
			TraceID: traceID,
		}
	}
	items, ok := resp.JSONList()
	if !ok {
		return nil, &ProtocolError{Path: "/complexes/search", Detail: "expected a JSON array", TraceID: traceID}
	}
	return items, nil
}

// AliasUpdate is the body of POST /complexes/{id}/aliases.
type AliasUpdate struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// AliasReply is the authoritative post-mutation alias state.
type AliasReply struct {
	ID         int      `json:"id"`
	Aliases    []string `json:"aliases"`
	SourceHash string   `json:"source_hash"`
}

// MutateAliases applies an alias add/remove set to one complex and returns
// the authoritative alias list plus content hash for audit. A 409 surfaces
// as *AliasConflictError with the conflicting names.
func (c *Client) MutateAliases(ctx context.Context, compID int, update AliasUpdate, traceID string) (AliasReply, error) {
	if update.Add == nil {
		update.Add = []string{}
	}
	if update.Remove == nil {
		update.Remove = []string{}
	}
	path := fmt.Sprintf("/complexes/%d/aliases", compID)
	resp, err := c.Do(ctx, http.MethodPost, path, update, traceID)
	if err != nil {
		return AliasReply{}, err
	}
	switch {
	case resp.Status == http.StatusOK:
		var reply AliasReply
		if err := json.Unmarshal(resp.Body, &reply); err != nil {
			return AliasReply{}, &ProtocolError{Path: path, Detail: "invalid JSON", TraceID: traceID}
		}
		return reply, nil
	case resp.Status == http.StatusConflict:
		conflictErr := &AliasConflictError{CompID: compID, TraceID: traceID}
		if payload := resp.JSONMap(); payload != nil {
			if items, ok := payload["conflicts"].([]any); ok {
				for _, item := range items {
					if s, ok := item.(string); ok {
						conflictErr.Conflicts = append(conflictErr.Conflicts, s)
					}
				}
			}
		}
		return AliasReply{}, conflictErr
	default:
		return AliasReply{}, &ProtocolError{
			Path:    path,
			Detail:  fmt.Sprintf("HTTP %d: %s", resp.Status, resp.Reason()),
			TraceID: traceID,
		}
	}
}

// GetComplex fetches GET /complexes/{id} detail for link snapshots.
func (c *Client) GetComplex(ctx context.Context, compID int, traceID string) (map[string]any, error) {
	path := fmt.Sprintf("/complexes/%d", compID)
	resp, err := c.Do(ctx, http.MethodGet, path, nil, traceID)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &ProtocolError{
			Path:    path,
			Detail:  fmt.Sprintf("HTTP %d: %s", resp.Status, resp.Reason()),
			TraceID: traceID,
		}
	}
	payload := resp.JSONMap()
	if payload == nil {
		return nil, &ProtocolError{Path: path, Detail: "invalid JSON", TraceID: traceID}
	}
	return payload, nil
}

// LogBundle fetches the opaque log bundle for one trace ID from
// GET /admin/logs/{trace_id}.
func (c *Client) LogBundle(ctx context.Context, traceID string) ([]byte, error) {
	path := "/admin/logs/" + url.PathEscape(traceID)
	resp, err := c.Do(ctx, http.MethodGet, path, nil, traceID)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &ProtocolError{
			Path:    path,
			Detail:  fmt.Sprintf("HTTP %d", resp.Status),
			TraceID: traceID,
		}
	}
	return resp.Body, nil
}

// Shutdown asks the bridge to exit. Only the supervisor calls this, and only
// for a process it launched itself.
func (c *Client) Shutdown(ctx context.Context, traceID string) error {
	_, err := c.Do(ctx, http.MethodPost, "/admin/shutdown", map[string]int{"force": 1}, traceID)
	return err
}

func intList(value any) []int {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case float64:
			if v == float64(int(v)) && int(v) > 0 {
				out = append(out, int(v))
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				out = append(out, n)
			}
		}
	}
	return out
}
