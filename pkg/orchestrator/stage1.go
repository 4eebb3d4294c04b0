package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apivet/apivet/pkg/broker"
	"github.com/apivet/apivet/pkg/retry"
	"github.com/apivet/apivet/pkg/scan"
	"github.com/apivet/apivet/pkg/transform"
)

// HandleRequestCreated is the Stage-1 consumer. For each active rule
// targeting the captured endpoint it expands the request into variants,
// stores them as pending, and hands the stored IDs to Stage 2.
//
// Redelivery safety: variant generation for a (scan, rule, request)
// tuple is skipped when any variant for that tuple already exists, and
// the upsert itself ignores duplicates, so a double delivery produces
// no second fan-out.
func (o *Orchestrator) HandleRequestCreated(ctx context.Context, msg *broker.Message) error {
	var payload RequestCreated
	if err := msg.Decode(&payload); err != nil {
		return broker.Drop(err)
	}
	if payload.Request == nil || payload.Request.ID == "" {
		return broker.Drop(fmt.Errorf("orchestrator: request payload missing id"))
	}
	if payload.ScanID == "" {
		payload.ScanID = uuid.NewString()
	}

	sc, err := o.ensureScan(ctx, &payload)
	if err != nil {
		return err
	}
	if !sc.Status.Active() {
		o.logger.Info("skipping capture for inactive scan",
			slog.String("scan_id", sc.ID),
			slog.String("status", string(sc.Status)),
		)
		return nil
	}

	base := scan.ParseRaw(payload.Request)
	for _, r := range o.rules.Active(base.Path) {
		if err := o.expandRule(ctx, &payload, base, r.ID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) ensureScan(ctx context.Context, payload *RequestCreated) (*scan.Scan, error) {
	var sc *scan.Scan
	err := retry.Do(ctx, retry.StoreConfig(), func() error {
		var err error
		sc, err = o.store.CreateScan(ctx, &scan.Scan{
			ID:        payload.ScanID,
			OrgID:     payload.OrgID,
			ProjectID: payload.ProjectID,
			Status:    scan.StatusPending,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: ensure scan %s: %w", payload.ScanID, err)
	}
	return sc, nil
}

// expandRule generates and stores the variants for one rule, then hands
// the stored IDs to Stage 2 over the bus.
func (o *Orchestrator) expandRule(ctx context.Context, payload *RequestCreated, base scan.Request, ruleID string) error {
	ids, err := o.expandRuleIDs(ctx, payload, base, ruleID)
	if err != nil || len(ids) == 0 {
		return err
	}
	if err := o.broker.Publish(TopicRequestScan, RequestScan{
		ScanID:         payload.ScanID,
		TransformedIDs: ids,
	}); err != nil {
		// The variants are durable; a failed publish is redelivered and
		// the idempotency check short-circuits the regeneration. Stage 2
		// still needs the IDs, so surface the error.
		return fmt.Errorf("orchestrator: publish scan work: %w", err)
	}
	return nil
}

// expandRuleIDs generates and stores the variants for one rule,
// returning the IDs still awaiting replay. A transform error is a
// rule-authoring problem: it is logged and the rule skipped, never
// retried.
func (o *Orchestrator) expandRuleIDs(ctx context.Context, payload *RequestCreated, base scan.Request, ruleID string) ([]string, error) {
	r, ok := o.rules.Get(ruleID)
	if !ok {
		return nil, nil
	}

	exists, err := o.store.HasTransformed(ctx, payload.ScanID, r.ID, payload.Request.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: idempotency check: %w", err)
	}
	if exists {
		// Already expanded; a crash between store and publish may have
		// stranded pending variants, so hand those back instead of
		// regenerating.
		pending, err := o.store.PendingTransformedIDs(ctx, payload.ScanID, r.ID, payload.Request.ID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: pending lookup: %w", err)
		}
		if len(pending) > 0 {
			o.logger.Debug("resuming stranded variants",
				slog.String("scan_id", payload.ScanID),
				slog.String("rule_id", r.ID),
				slog.Int("count", len(pending)),
			)
		}
		return pending, nil
	}

	variants, err := transform.Apply(base, r.Transform)
	if err != nil {
		o.logger.Warn("rule transform failed",
			slog.String("rule_id", r.ID),
			slog.String("request_id", payload.Request.ID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	if len(variants) == 0 {
		return nil, nil
	}

	items := make([]*scan.TransformedRequest, len(variants))
	now := time.Now().UTC()
	for i, v := range variants {
		items[i] = &scan.TransformedRequest{
			ID:           uuid.NewString(),
			ScanID:       payload.ScanID,
			RuleID:       r.ID,
			RequestID:    payload.Request.ID,
			OrgID:        payload.OrgID,
			ProjectIDs:   payload.Request.ProjectIDs,
			VariantIndex: i,
			Method:       v.Request.Method,
			URL:          v.Request.URL,
			Headers:      v.Request.Headers,
			Query:        v.Request.Query,
			Body:         v.Request.Body,
			Mutations:    v.Mutations,
			State:        scan.StatePending,
			CreatedAt:    now,
		}
	}

	var inserted []string
	err = retry.Do(ctx, retry.StoreConfig(), func() error {
		var err error
		inserted, err = o.store.UpsertTransformed(ctx, items)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: store variants for rule %s: %w", r.ID, err)
	}
	o.countVariants(r.ID, len(inserted))
	if len(inserted) == 0 {
		return nil, nil
	}

	o.logger.Info("variants generated",
		slog.String("scan_id", payload.ScanID),
		slog.String("rule_id", r.ID),
		slog.String("request_id", payload.Request.ID),
		slog.Int("count", len(inserted)),
	)
	return inserted, nil
}
