// Package supervisor ensures the Complex Editor bridge process is reachable
// and able to accept exports before any export proceeds. It owns the
// readiness state machine, a short-lived readiness cache, and the handle of
// any bridge process it launched itself.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/fabriqa/bom-ce-export/internal/bridge"
	"github.com/fabriqa/bom-ce-export/internal/config"
	"github.com/fabriqa/bom-ce-export/internal/diag"
	"github.com/fabriqa/bom-ce-export/internal/logging"
	"github.com/fabriqa/bom-ce-export/internal/metrics"
)

// State is one phase of the readiness handshake.
type State string

const (
	StateUnknown   State = "UNKNOWN"
	StateProbing   State = "PROBING"
	StateLaunching State = "LAUNCHING"
	StateReady     State = "READY"
	StateTimedOut  State = "TIMED_OUT"
)

// ReadinessState is the cached result of one successful or failed handshake.
type ReadinessState struct {
	Ready         bool
	Headless      bool
	AllowHeadless bool
	Reason        string
	TraceID       string
	ObservedAt    time.Time
}

// ExportsAllowed reports whether the bridge would accept an export in this
// state.
func (s ReadinessState) ExportsAllowed() bool {
	return s.Ready && (!s.Headless || s.AllowHeadless)
}

// DefaultCacheTTL bounds how long a READY result is trusted without
// re-probing.
const DefaultCacheTTL = 5 * time.Second

// DefaultPollInterval is the delay between health probes while waiting.
const DefaultPollInterval = 300 * time.Millisecond

// launched is the owned-process handle: present only when the supervisor
// itself started the bridge.
type launched struct {
	proc *exec.Cmd
	kind string // "executable" or "fallback"
}

// Supervisor drives the readiness handshake for one bridge connection.
type Supervisor struct {
	cfg    config.BridgeConfig
	client *bridge.Client
	log    *slog.Logger

	cacheTTL time.Duration
	interval time.Duration
	budget   time.Duration // 0 = derive from the request timeout
	clock    func() time.Time

	// launch starts the bridge process; replaced in tests.
	launch func(ctx context.Context) (*launched, error)

	mu     sync.Mutex
	cached *ReadinessState
	owned  *launched
}

// New creates a supervisor for the given bridge configuration and client.
func New(cfg config.BridgeConfig, client *bridge.Client) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		client:   client,
		log:      logging.Component("supervisor"),
		cacheTTL: DefaultCacheTTL,
		interval: DefaultPollInterval,
		clock:    time.Now,
	}
	s.launch = s.spawnBridge
	return s
}

// HandshakeBudget returns the overall readiness deadline derived from the
// per-request timeout: three request timeouts, clamped to [15s, 60s].
func HandshakeBudget(requestTimeout time.Duration) time.Duration {
	budget := 3 * requestTimeout
	if budget > 60*time.Second {
		budget = 60 * time.Second
	}
	if budget < 15*time.Second {
		budget = 15 * time.Second
	}
	return budget
}

// Tune adjusts the poll interval, handshake budget and cache TTL. Zero
// values keep the current setting. Used by tests and by callers fronting
// unusually slow bridges.
func (s *Supervisor) Tune(interval, budget, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if interval > 0 {
		s.interval = interval
	}
	if budget > 0 {
		s.budget = budget
	}
	if ttl > 0 {
		s.cacheTTL = ttl
	}
}

// Invalidate drops the cached readiness state so the next call re-probes.
func (s *Supervisor) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

// Cached returns the current cached state, if still within its TTL.
func (s *Supervisor) Cached() (ReadinessState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil || !s.cached.Ready {
		return ReadinessState{}, false
	}
	if s.clock().Sub(s.cached.ObservedAt) >= s.cacheTTL {
		return ReadinessState{}, false
	}
	return *s.cached, true
}

// EnsureReady blocks until the bridge reports ready or the handshake budget
// is exhausted. A READY result observed within the cache TTL is returned
// without probing. On timeout the error is a *bridge.UnavailableError
// carrying the last observed reason; 401/403 aborts immediately with
// *bridge.AuthError.
func (s *Supervisor) EnsureReady(ctx context.Context, traceID string, rec *diag.Recorder) (ReadinessState, error) {
	ctx, traceID = logging.EnsureTraceID(ctx, traceID)
	log := logging.OperationLogger("supervisor", traceID)

	if state, ok := s.Cached(); ok {
		log.Debug("readiness served from cache", "observed_at", state.ObservedAt)
		return state, nil
	}

	start := s.clock()
	budget := s.budget
	if budget == 0 {
		budget = HandshakeBudget(s.client.Connection().Timeout)
	}
	deadline := start.Add(budget)
	defer func() {
		if m := metrics.Get(); m != nil {
			m.ObserveReadinessWait(s.clock().Sub(start).Seconds())
		}
	}()

	if rec != nil {
		rec.Setting("base_url", s.client.Connection().BaseURL)
		rec.Setting("auth_token", diag.MaskToken(s.client.Connection().AuthToken))
		rec.Setting("timeout", s.client.Connection().Timeout.String())
		rec.Setting("auto_start", fmt.Sprintf("%v", s.cfg.AutoStartEnabled()))
	}

	// One probe decides whether to launch; the wait itself is delegated to
	// the transport's polling loop, which owns the failure classification
	// (network and 5xx mean not-ready-yet, 401/403 aborts, deadline carries
	// the last observed reason).
	firstReason := ""
	if rec != nil {
		rec.Record("probe", "GET /admin/health")
	}
	payload, resp, err := s.client.Health(ctx, traceID)
	switch {
	case err != nil:
		var authErr *bridge.AuthError
		if errors.As(err, &authErr) {
			s.countProbe("auth_failed")
			if rec != nil {
				rec.Outcome("AUTH_FAILED")
			}
			return ReadinessState{}, err
		}
		s.countProbe("unreachable")
		if s.canLaunch() {
			if lerr := s.launchBridge(ctx, traceID, rec); lerr != nil {
				log.Warn("bridge launch failed", "error", lerr)
				if rec != nil {
					rec.Record("launch", "failed: %v", lerr)
				}
			}
		} else {
			log.Debug("bridge unreachable, will retry", "error", err)
		}
	case resp.Status >= 500:
		s.countProbe("not_ready")
		firstReason = resp.Reason()
	case payload.Ready:
		s.countProbe("ready")
		return s.becameReady(payload, traceID, rec)
	case payload.Headless && !s.headlessAllowed(payload):
		s.countProbe("not_ready")
		firstReason = "bridge_headless"
		if payload.Reason != "" {
			firstReason = payload.Reason
		}
		if lerr := s.launchBridge(ctx, traceID, rec); lerr != nil {
			log.Warn("bridge launch failed", "error", lerr)
			if rec != nil {
				rec.Record("launch", "failed: %v", lerr)
			}
		}
	default:
		s.countProbe("not_ready")
		firstReason = payload.Reason
		log.Debug("bridge not ready", "reason", payload.Reason)
	}

	if err := s.sleep(ctx); err != nil {
		return ReadinessState{}, err
	}

	remaining := deadline.Sub(s.clock())
	if remaining <= 0 {
		return s.timedOut(traceID, firstReason, rec)
	}

	var observed bridge.HealthPayload
	_, err = s.client.PollUntil(ctx, "/admin/health", s.interval, remaining, traceID, func(p map[string]any) bool {
		if rec != nil {
			rec.Record("probe", "GET /admin/health")
		}
		observed = bridge.HealthFromMap(p)
		if observed.Ready {
			s.countProbe("ready")
			return true
		}
		s.countProbe("not_ready")
		return false
	})
	if err != nil {
		var authErr *bridge.AuthError
		if errors.As(err, &authErr) {
			s.countProbe("auth_failed")
			if rec != nil {
				rec.Outcome("AUTH_FAILED")
			}
			return ReadinessState{}, err
		}
		var unavail *bridge.UnavailableError
		if errors.As(err, &unavail) {
			reason := unavail.Reason
			if reason == "" {
				reason = firstReason
			}
			return s.timedOut(traceID, reason, rec)
		}
		return ReadinessState{}, err
	}
	return s.becameReady(observed, traceID, rec)
}

func (s *Supervisor) becameReady(payload bridge.HealthPayload, traceID string, rec *diag.Recorder) (ReadinessState, error) {
	state := ReadinessState{
		Ready:         true,
		Headless:      payload.Headless,
		AllowHeadless: s.headlessAllowed(payload),
		Reason:        payload.Reason,
		TraceID:       traceID,
		ObservedAt:    s.clock(),
	}
	s.mu.Lock()
	s.cached = &state
	s.mu.Unlock()
	if rec != nil {
		rec.Record("ready", "headless=%v allow_headless=%v", state.Headless, state.AllowHeadless)
		rec.Outcome(string(StateReady))
	}
	s.log.Info("bridge ready",
		"trace_id", traceID,
		"headless", state.Headless,
		"allow_headless", state.AllowHeadless,
	)
	return state, nil
}

func (s *Supervisor) timedOut(traceID, reason string, rec *diag.Recorder) (ReadinessState, error) {
	if reason == "" {
		reason = "handshake budget exhausted"
	}
	if rec != nil {
		rec.Outcome(string(StateTimedOut))
	}
	return ReadinessState{}, &bridge.UnavailableError{Reason: reason, TraceID: traceID}
}

// headlessAllowed merges the bridge's own allow flag with the local
// configuration override.
func (s *Supervisor) headlessAllowed(payload bridge.HealthPayload) bool {
	return payload.HeadlessAllowed() || s.cfg.AllowHeadless
}

// canLaunch reports whether the supervisor may start the bridge: auto-start
// enabled, a launch target configured, and the bridge on this machine.
func (s *Supervisor) canLaunch() bool {
	if !s.cfg.AutoStartEnabled() {
		return false
	}
	if s.cfg.ExePath == "" && len(s.cfg.FallbackCommand) == 0 {
		return false
	}
	return s.client.Connection().IsLocal
}

func (s *Supervisor) launchBridge(ctx context.Context, traceID string, rec *diag.Recorder) error {
	if !s.canLaunch() {
		return fmt.Errorf("bridge launch not permitted by configuration")
	}

	s.mu.Lock()
	alreadyOwned := s.owned != nil
	s.mu.Unlock()
	if alreadyOwned {
		return nil
	}

	handle, err := s.launch(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.owned = handle
	s.mu.Unlock()

	if m := metrics.Get(); m != nil {
		m.IncLaunch(handle.kind)
	}
	if rec != nil {
		rec.Record("launch", "started bridge via %s", handle.kind)
	}
	s.log.Info("bridge process launched", "trace_id", traceID, "kind", handle.kind)
	return nil
}

// spawnBridge starts the configured executable, falling back to the
// configured fallback command when the executable fails to start.
func (s *Supervisor) spawnBridge(ctx context.Context) (*launched, error) {
	var firstErr error
	if s.cfg.ExePath != "" {
		cmd := exec.CommandContext(ctx, s.cfg.ExePath)
		if err := cmd.Start(); err == nil {
			go cmd.Wait() // reap
			return &launched{proc: cmd, kind: "executable"}, nil
		} else {
			firstErr = fmt.Errorf("start %s: %w", s.cfg.ExePath, err)
		}
	}
	if len(s.cfg.FallbackCommand) > 0 {
		cmd := exec.CommandContext(ctx, s.cfg.FallbackCommand[0], s.cfg.FallbackCommand[1:]...)
		if err := cmd.Start(); err != nil {
			if firstErr != nil {
				return nil, fmt.Errorf("%v; fallback: %w", firstErr, err)
			}
			return nil, fmt.Errorf("start fallback runner: %w", err)
		}
		go cmd.Wait() // reap
		return &launched{proc: cmd, kind: "fallback"}, nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("no bridge executable or fallback command configured")
}

// OwnsProcess reports whether the supervisor started the current bridge.
func (s *Supervisor) OwnsProcess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owned != nil
}

// Shutdown stops the bridge only if this supervisor launched it: a graceful
// shutdown request first, then a hard kill if the process is still running.
// For an externally-started bridge this is a no-op.
func (s *Supervisor) Shutdown(ctx context.Context, traceID string) error {
	s.mu.Lock()
	handle := s.owned
	s.owned = nil
	s.cached = nil
	s.mu.Unlock()

	if handle == nil {
		return nil
	}

	ctx, traceID = logging.EnsureTraceID(ctx, traceID)
	if err := s.client.Shutdown(ctx, traceID); err != nil {
		s.log.Debug("graceful shutdown request failed", "trace_id", traceID, "error", err)
	} else {
		// Give the bridge a moment to exit on its own.
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
	}

	if handle.proc != nil && handle.proc.Process != nil {
		// Already-exited is fine; the reaper goroutine collects the status.
		if err := handle.proc.Process.Kill(); err != nil {
			s.log.Debug("kill after shutdown", "trace_id", traceID, "error", err)
		}
	}
	s.log.Info("owned bridge process stopped", "trace_id", traceID, "kind", handle.kind)
	return nil
}

func (s *Supervisor) countProbe(outcome string) {
	if m := metrics.Get(); m != nil {
		m.IncProbe(outcome)
	}
}

func (s *Supervisor) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.interval):
		return nil
	}
}
