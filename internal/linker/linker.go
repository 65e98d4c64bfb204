// Package linker links local part numbers to Complex Editor objects: ranked
// catalogue search, attach snapshots, and alias maintenance.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/fabriqa/bom-ce-export/internal/bridge"
	"github.com/fabriqa/bom-ce-export/internal/logging"
)

// ErrInvalidQuery rejects empty or wildcard-only search input before any
// network call.
var ErrInvalidQuery = errors.New("search query must contain at least one letter or digit")

// Match kinds in strict rank order, strongest first.
const (
	MatchExactPN         = "exact_pn"
	MatchExactAlias      = "exact_alias"
	MatchNormalizedPN    = "normalized_pn"
	MatchNormalizedAlias = "normalized_alias"
	MatchLike            = "like"
)

var matchRank = map[string]int{
	MatchExactPN:         0,
	MatchExactAlias:      1,
	MatchNormalizedPN:    2,
	MatchNormalizedAlias: 3,
	MatchLike:            4,
}

// Candidate is one ranked search result.
type Candidate struct {
	ID                int
	PN                string
	Aliases           []string
	MatchKind         string
	Reason            string
	NormalizedInput   string
	NormalizedTargets []string
}

// Decision is the outcome of one ranked lookup: the full candidate list in
// bridge order, the winner, and whether a human must confirm it.
type Decision struct {
	Query       string
	Candidates  []Candidate
	Best        *Candidate
	NeedsReview bool
	TraceID     string
}

// LinkSnapshot captures the state of a complex at attach time, for the
// caller's link store.
type LinkSnapshot struct {
	CompID     int
	PN         string
	Aliases    []string
	PinCount   int
	SourceHash string
	CapturedAt time.Time
}

// Client performs catalogue operations over one bridge client.
type Client struct {
	bridge *bridge.Client
	log    *slog.Logger
}

// New creates a linker client.
func New(b *bridge.Client) *Client {
	return &Client{bridge: b, log: logging.Component("linker")}
}

// Search runs a ranked lookup. The winning candidate is the first result of
// the strongest match kind present; two or more results tied at that rank
// keep the bridge's ordering and force NeedsReview.
func (c *Client) Search(ctx context.Context, query string, limit int, traceID string) (Decision, error) {
	ctx, traceID = logging.EnsureTraceID(ctx, traceID)
	if err := validateQuery(query); err != nil {
		return Decision{}, err
	}

	raw, err := c.bridge.SearchComplexes(ctx, strings.TrimSpace(query), limit, traceID)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Query: strings.TrimSpace(query), TraceID: traceID}
	for _, item := range raw {
		decision.Candidates = append(decision.Candidates, parseCandidate(item))
	}
	rank(&decision)

	c.log.Debug("ranked search",
		"query", decision.Query,
		"candidates", len(decision.Candidates),
		"needs_review", decision.NeedsReview,
		"trace_id", traceID,
	)
	return decision, nil
}

// AutoAttachAllowed reports whether the decision may be applied without
// manual confirmation: a single undisputed exact match.
func AutoAttachAllowed(d Decision) bool {
	if d.NeedsReview || d.Best == nil {
		return false
	}
	return d.Best.MatchKind == MatchExactPN || d.Best.MatchKind == MatchExactAlias
}

// AttachCandidate fetches the live detail of one complex and returns the
// snapshot recorded alongside a new link.
func (c *Client) AttachCandidate(ctx context.Context, compID int, traceID string) (LinkSnapshot, error) {
	ctx, traceID = logging.EnsureTraceID(ctx, traceID)
	detail, err := c.bridge.GetComplex(ctx, compID, traceID)
	if err != nil {
		return LinkSnapshot{}, fmt.Errorf("fetch complex %d: %w", compID, err)
	}

	snap := LinkSnapshot{CompID: compID, CapturedAt: time.Now()}
	if v, ok := detail["pn"].(string); ok {
		snap.PN = v
	}
	snap.Aliases = stringList(detail["aliases"])
	if v, ok := detail["pin_count"].(float64); ok {
		snap.PinCount = int(v)
	}
	if v, ok := detail["source_hash"].(string); ok {
		snap.SourceHash = v
	}
	return snap, nil
}

// MutateAliases applies an alias add/remove set and returns the
// authoritative post-mutation state. A 409 surfaces unchanged as
// *bridge.AliasConflictError.
func (c *Client) MutateAliases(ctx context.Context, compID int, add, remove []string, traceID string) (bridge.AliasReply, error) {
	ctx, traceID = logging.EnsureTraceID(ctx, traceID)
	reply, err := c.bridge.MutateAliases(ctx, compID, bridge.AliasUpdate{Add: add, Remove: remove}, traceID)
	if err != nil {
		return bridge.AliasReply{}, err
	}
	c.log.Info("aliases updated",
		"comp_id", compID,
		"added", len(add),
		"removed", len(remove),
		"source_hash", reply.SourceHash,
		"trace_id", traceID,
	)
	return reply, nil
}

func validateQuery(query string) error {
	for _, r := range query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return nil
		}
	}
	return ErrInvalidQuery
}

// rank picks the best candidate. Ties at the top rank keep bridge order and
// mark the decision for review.
func rank(d *Decision) {
	best := len(matchRank) + 1
	for _, cand := range d.Candidates {
		if r := rankOf(cand.MatchKind); r < best {
			best = r
		}
	}
	var top []int
	for i, cand := range d.Candidates {
		if rankOf(cand.MatchKind) == best {
			top = append(top, i)
		}
	}
	if len(top) == 0 {
		return
	}
	d.Best = &d.Candidates[top[0]]
	d.NeedsReview = len(top) > 1
}

func rankOf(kind string) int {
	if r, ok := matchRank[strings.ToLower(strings.TrimSpace(kind))]; ok {
		return r
	}
	return len(matchRank)
}

// parseCandidate normalizes one raw search result. Analysis fields may
// arrive top-level or nested under "analysis"; the rest of the codebase only
// ever sees this flattened form.
func parseCandidate(item map[string]any) Candidate {
	cand := Candidate{}
	if v, ok := item["id"].(float64); ok {
		cand.ID = int(v)
	}
	if v, ok := item["pn"].(string); ok {
		cand.PN = v
	}
	cand.Aliases = stringList(item["aliases"])
	if v, ok := item["reason"].(string); ok {
		cand.Reason = v
	}

	source := item
	if nested, ok := item["analysis"].(map[string]any); ok {
		source = nested
	}
	if v, ok := stringField(source, item, "match_kind"); ok {
		cand.MatchKind = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := stringField(source, item, "normalized_input"); ok {
		cand.NormalizedInput = v
	}
	cand.NormalizedTargets = stringList(source["normalized_targets"])
	if cand.NormalizedTargets == nil {
		cand.NormalizedTargets = stringList(item["normalized_targets"])
	}
	return cand
}

// stringField reads key from the nested analysis object first, then falls
// back to the top-level result.
func stringField(source, fallback map[string]any, key string) (string, bool) {
	if v, ok := source[key].(string); ok && v != "" {
		return v, true
	}
	if v, ok := fallback[key].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

func stringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
