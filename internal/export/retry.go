package export

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fabriqa/bom-ce-export/internal/metrics"
)

// Backoff schedule for RETRY_WITH_BACKOFF outcomes: 500ms doubling up to 8s
// between attempts, 30s total.
const (
	retryInitialInterval = 500 * time.Millisecond
	retryMultiplier      = 2.0
	retryMaxInterval     = 8 * time.Second
	retryMaxElapsed      = 30 * time.Second
)

var errRetryAgain = errors.New("export outcome is retryable")

// ExportWithRetry runs Export, automatically retrying RETRY_WITH_BACKOFF
// outcomes on a bounded exponential schedule. Every other outcome, including
// RETRY_LATER (which needs operator action, not time), is returned as-is.
// When the schedule is exhausted the last RETRY_WITH_BACKOFF outcome is
// returned.
func (o *Orchestrator) ExportWithRetry(ctx context.Context, req Request) (Outcome, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = retryMultiplier
	policy.MaxInterval = retryMaxInterval
	policy.MaxElapsedTime = retryMaxElapsed

	var out Outcome
	var exportErr error
	attempt := 0

	operation := func() error {
		if attempt > 0 {
			if m := metrics.Get(); m != nil {
				m.IncExportRetry()
			}
			o.log.Info("retrying export after backoff", "attempt", attempt, "trace_id", out.TraceID)
		}
		attempt++

		out, exportErr = o.Export(ctx, req)
		if exportErr != nil {
			return backoff.Permanent(exportErr)
		}
		if out.Status == StatusRetryWithBackoff {
			return errRetryAgain
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if exportErr != nil {
		return out, exportErr
	}
	if err != nil && !errors.Is(err, errRetryAgain) {
		// Context cancellation during a backoff wait.
		return out, err
	}
	return out, nil
}
