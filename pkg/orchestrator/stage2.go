package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/apivet/apivet/pkg/broker"
	"github.com/apivet/apivet/pkg/match"
	"github.com/apivet/apivet/pkg/replay"
	"github.com/apivet/apivet/pkg/report"
	"github.com/apivet/apivet/pkg/retry"
	"github.com/apivet/apivet/pkg/rule"
	"github.com/apivet/apivet/pkg/scan"
	"github.com/apivet/apivet/pkg/store"
)

// HandleRequestScan is the Stage-2 consumer. Each variant is claimed
// through a pending→running transition, replayed once, matched, and
// closed as complete or failed. A variant another consumer already
// claimed or finished is skipped, which makes double delivery safe.
func (o *Orchestrator) HandleRequestScan(ctx context.Context, msg *broker.Message) error {
	var payload RequestScan
	if err := msg.Decode(&payload); err != nil {
		return broker.Drop(err)
	}

	return o.processBatch(ctx, payload.TransformedIDs)
}

// processBatch runs every variant in a batch, returning the first error
// so the message is redelivered. Already-settled variants are no-ops on
// the second pass.
func (o *Orchestrator) processBatch(ctx context.Context, ids []string) error {
	var firstErr error
	for _, id := range ids {
		if err := o.processVariant(ctx, id); err != nil {
			o.logger.Error("variant processing failed",
				slog.String("transformed_id", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) processVariant(ctx context.Context, id string) error {
	t, err := o.store.GetTransformed(ctx, id)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			return broker.Drop(err)
		}
		return err
	}
	if t.State != scan.StatePending {
		return nil // claimed or finished elsewhere
	}

	sc, err := o.store.GetScan(ctx, t.ScanID)
	if err != nil {
		return err
	}
	if !sc.Status.Active() {
		o.logger.Info("skipping variant for inactive scan",
			slog.String("scan_id", sc.ID),
			slog.String("status", string(sc.Status)),
		)
		return nil
	}

	// First variant to run moves the scan to running. Losing the race
	// is fine.
	if sc.Status == scan.StatusPending {
		err := o.store.UpdateScanStatus(ctx, sc.ID, []scan.Status{scan.StatusPending}, scan.StatusRunning)
		if err != nil && !errors.Is(err, scan.ErrConflict) {
			return err
		}
	}

	// Claim the variant. ErrConflict means another consumer got there
	// first.
	err = o.store.TransitionTransformed(ctx, id, scan.StatePending, scan.StateRunning, store.TransitionUpdate{})
	if errors.Is(err, scan.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	res := o.executor.Do(ctx, t.ToRequest())
	execution := &scan.Execution{
		StartedAt:  res.StartedAt,
		FinishedAt: res.StartedAt.Add(res.Duration),
		DurationMs: res.Duration.Milliseconds(),
		Error:      res.ErrorMessage,
	}
	if res.Response != nil {
		execution.StatusCode = res.Response.StatusCode
		execution.Response = res.Response
	}
	req := t.ToRequest()
	execution.Request = &req

	if res.Errored {
		return o.finishFailed(ctx, t, execution, res)
	}
	return o.finishReplayed(ctx, t, execution, res)
}

// transitionTerminal moves a claimed variant to its terminal state,
// retrying transient storage failures. A conflict means another
// consumer settled the variant; it is surfaced, never retried.
func (o *Orchestrator) transitionTerminal(ctx context.Context, id string, to scan.State, update store.TransitionUpdate) error {
	return retry.Do(ctx, retry.StoreConfig(), func() error {
		err := o.store.TransitionTransformed(ctx, id, scan.StateRunning, to, update)
		if errors.Is(err, scan.ErrConflict) {
			return retry.Stop(err)
		}
		return err
	})
}

// finishFailed closes a variant whose replay never produced a
// response. Failed is terminal; the error is recorded and the scan's
// failed counter bumped. On a lost claim the counters stay untouched:
// whichever consumer owns the transition accounts for the variant.
func (o *Orchestrator) finishFailed(ctx context.Context, t *scan.TransformedRequest, execution *scan.Execution, res replay.Result) error {
	o.countReplay(t.RuleID, "error", res.Duration)
	o.countFailure("replay")

	errMsg := res.ErrorMessage
	err := o.transitionTerminal(ctx, t.ID, scan.StateFailed, store.TransitionUpdate{
		Execution: execution,
		Error:     &errMsg,
	})
	if err != nil {
		if errors.Is(err, scan.ErrConflict) {
			return nil
		}
		return fmt.Errorf("orchestrator: fail variant %s: %w", t.ID, err)
	}
	return o.bumpCounters(ctx, t.ScanID, scan.CounterDelta{Processed: 1, Failed: 1})
}

// finishReplayed evaluates the match criteria, records a finding when
// they all hold, and completes the variant.
func (o *Orchestrator) finishReplayed(ctx context.Context, t *scan.TransformedRequest, execution *scan.Execution, res replay.Result) error {
	r, ok := o.rules.Get(t.RuleID)
	if !ok {
		// Rule removed between stages. The replay happened; close the
		// variant without a verdict.
		o.countReplay(t.RuleID, "orphaned", res.Duration)
		errMsg := "rule no longer present"
		err := o.transitionTerminal(ctx, t.ID, scan.StateFailed, store.TransitionUpdate{
			Execution: execution,
			Error:     &errMsg,
		})
		if err != nil {
			if errors.Is(err, scan.ErrConflict) {
				return nil
			}
			return err
		}
		return o.bumpCounters(ctx, t.ScanID, scan.CounterDelta{Processed: 1, Failed: 1})
	}

	result := match.Evaluate(res.Response, r.MatchOn)
	o.countReplay(t.RuleID, outcome(result.Matched), res.Duration)

	delta := scan.CounterDelta{Processed: 1}
	if result.Matched {
		v := o.buildVulnerability(r, t, execution, result)
		err := retry.Do(ctx, retry.StoreConfig(), func() error {
			return o.store.UpsertVulnerability(ctx, v)
		})
		if err != nil {
			return fmt.Errorf("orchestrator: record finding: %w", err)
		}
		o.countVulnerability(r.ID, v.Severity)
		delta.Vulnerable = 1
		delta.Severity = v.Severity
		o.logger.Info("vulnerability detected",
			slog.String("scan_id", t.ScanID),
			slog.String("rule_id", r.ID),
			slog.String("transformed_id", t.ID),
			slog.String("severity", v.Severity.String()),
		)
	}

	detected := result.Matched
	err := o.transitionTerminal(ctx, t.ID, scan.StateComplete, store.TransitionUpdate{
		Execution:             execution,
		MatchResult:           &result,
		VulnerabilityDetected: &detected,
	})
	if err != nil {
		if errors.Is(err, scan.ErrConflict) {
			return nil
		}
		return fmt.Errorf("orchestrator: complete variant %s: %w", t.ID, err)
	}
	return o.bumpCounters(ctx, t.ScanID, delta)
}

// bumpCounters applies the terminal delta for one settled variant.
func (o *Orchestrator) bumpCounters(ctx context.Context, scanID string, delta scan.CounterDelta) error {
	o.countSettled()
	err := retry.Do(ctx, retry.StoreConfig(), func() error {
		return o.store.IncrementScanCounters(ctx, scanID, delta)
	})
	if err != nil {
		return fmt.Errorf("orchestrator: counters for scan %s: %w", scanID, err)
	}
	return nil
}

// buildVulnerability materializes a finding: report fields rendered
// against the replay context, evidence snapshotting the exact exchange.
func (o *Orchestrator) buildVulnerability(r *rule.Rule, t *scan.TransformedRequest, execution *scan.Execution, result scan.MatchResult) *scan.Vulnerability {
	renderCtx := map[string]any{
		"scan_id": t.ScanID,
		"rule":    r,
		"request": execution.Request,
		"response": map[string]any{
			"status_code": execution.StatusCode,
			"headers":     headerMap(execution.Response),
			"body":        responseBody(execution.Response),
		},
		"mutations": t.Mutations,
		"match":     result,
		// Only the capture's identity survives to this stage; the full
		// original request is not persisted on the variant.
		"source_request": map[string]any{"id": t.RequestID},
	}

	return &scan.Vulnerability{
		Key: scan.DedupKey{
			OrgID:         t.OrgID,
			ScanID:        t.ScanID,
			RuleID:        t.RuleID,
			RequestID:     t.RequestID,
			TransformedID: t.ID,
		},
		RuleName:    r.Name,
		Title:       report.Render(r.Report.Title, renderCtx),
		Description: report.Render(r.Report.Description, renderCtx),
		Severity:    scan.ParseSeverity(r.Report.Severity),
		CVSSScore:   r.Report.CVSSScore,
		CWEID:       r.Report.CWEID,
		Remediation: report.Render(r.Report.Remediation, renderCtx),
		Evidence: scan.Evidence{
			Request:    execution.Request,
			Response:   execution.Response,
			MatchedOn:  match.Describe(result),
			Highlights: result.Highlights,
			Mutations:  t.Mutations,
		},
	}
}

func outcome(matched bool) string {
	if matched {
		return "matched"
	}
	return "clean"
}

func headerMap(resp *scan.Response) map[string]string {
	if resp == nil {
		return nil
	}
	out := make(map[string]string, len(resp.Headers))
	for k := range resp.Headers {
		out[k] = resp.Headers.Get(k)
	}
	return out
}

func responseBody(resp *scan.Response) string {
	if resp == nil {
		return ""
	}
	return string(resp.Body)
}
