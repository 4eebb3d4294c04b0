package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/apivet/apivet/pkg/broker"
	"github.com/apivet/apivet/pkg/scan"
)

// HandleScanflowInitiate runs the pipeline end to end in one handler
// invocation instead of handing work between stages over the bus. A
// payload carrying variant IDs replays that batch; a payload carrying a
// captured request is expanded and every stored variant replayed in
// place. Both paths reuse the stage handlers' idempotency guards, so
// redelivery is safe here too.
func (o *Orchestrator) HandleScanflowInitiate(ctx context.Context, msg *broker.Message) error {
	var payload ScanflowInitiate
	if err := msg.Decode(&payload); err != nil {
		return broker.Drop(err)
	}

	if len(payload.TransformedIDs) > 0 {
		return o.processBatch(ctx, payload.TransformedIDs)
	}

	if payload.Request == nil || payload.Request.ID == "" {
		return broker.Drop(fmt.Errorf("orchestrator: scanflow payload has neither ids nor request"))
	}
	if payload.ScanID == "" {
		payload.ScanID = uuid.NewString()
	}

	created := RequestCreated{
		ScanID:    payload.ScanID,
		OrgID:     payload.OrgID,
		ProjectID: payload.ProjectID,
		Request:   payload.Request,
	}
	sc, err := o.ensureScan(ctx, &created)
	if err != nil {
		return err
	}
	if !sc.Status.Active() {
		o.logger.Info("skipping scanflow for inactive scan",
			slog.String("scan_id", sc.ID),
			slog.String("status", string(sc.Status)),
		)
		return nil
	}

	base := scan.ParseRaw(payload.Request)
	for _, r := range o.rules.Active(base.Path) {
		ids, err := o.expandRuleIDs(ctx, &created, base, r.ID)
		if err != nil {
			return err
		}
		if err := o.processBatch(ctx, ids); err != nil {
			return err
		}
	}
	return nil
}
