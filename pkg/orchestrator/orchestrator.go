// Package orchestrator wires the scan pipeline together: Stage 1
// expands captured requests into transformed variants, Stage 2 replays
// each variant and evaluates the match criteria. Both stages consume
// broker messages under at-least-once delivery, so every handler is
// idempotent: Stage 1 checks for already-generated variants before
// expanding, Stage 2 claims items through state-guarded transitions.
package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/apivet/apivet/pkg/broker"
	"github.com/apivet/apivet/pkg/metrics"
	"github.com/apivet/apivet/pkg/replay"
	"github.com/apivet/apivet/pkg/rule"
	"github.com/apivet/apivet/pkg/scan"
	"github.com/apivet/apivet/pkg/store"
)

// Pipeline topics.
const (
	// TopicRequestCreated carries newly captured requests into Stage 1.
	TopicRequestCreated = "request.created"

	// TopicRequestScan carries stored variant IDs into Stage 2.
	TopicRequestScan = "request.scan"

	// TopicScanflowInitiate runs both stages for one captured request
	// in a single handler invocation.
	TopicScanflowInitiate = "scanflow.initiate"
)

// RequestCreated is the Stage-1 trigger payload: one captured request
// plus the scan it belongs to.
type RequestCreated struct {
	ScanID    string           `json:"scan_id"`
	OrgID     string           `json:"org_id"`
	ProjectID string           `json:"project_id"`
	Request   *scan.RawRequest `json:"request"`
}

// RequestScan is the Stage-2 payload: variants ready for replay.
type RequestScan struct {
	ScanID         string   `json:"scan_id"`
	TransformedIDs []string `json:"transformed_ids"`
}

// ScanflowInitiate is the combined-flow payload. Either a batch of
// already-stored variant IDs or one captured request to expand and
// replay in place.
type ScanflowInitiate struct {
	ScanID         string           `json:"scan_id"`
	OrgID          string           `json:"org_id"`
	ProjectID      string           `json:"project_id"`
	Request        *scan.RawRequest `json:"request,omitempty"`
	TransformedIDs []string         `json:"transformed_ids,omitempty"`
}

// Config assembles an Orchestrator. Store, Rules, and Broker are
// required; the rest default.
type Config struct {
	Store    store.Store
	Rules    *rule.Set
	Broker   *broker.Broker
	Executor *replay.Executor
	Metrics  *metrics.Collector // optional
	Logger   *slog.Logger
}

// Orchestrator runs both pipeline stages against one store and broker.
type Orchestrator struct {
	store    store.Store
	rules    *rule.Set
	broker   *broker.Broker
	executor *replay.Executor
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// New validates the config and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: nil store")
	}
	if cfg.Rules == nil {
		return nil, fmt.Errorf("orchestrator: nil rule set")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("orchestrator: nil broker")
	}
	if cfg.Executor == nil {
		cfg.Executor = replay.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		store:    cfg.Store,
		rules:    cfg.Rules,
		broker:   cfg.Broker,
		executor: cfg.Executor,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

// Register subscribes the stage handlers on the broker.
func (o *Orchestrator) Register() error {
	if err := o.broker.Subscribe(TopicRequestCreated, o.HandleRequestCreated); err != nil {
		return err
	}
	if err := o.broker.Subscribe(TopicRequestScan, o.HandleRequestScan); err != nil {
		return err
	}
	return o.broker.Subscribe(TopicScanflowInitiate, o.HandleScanflowInitiate)
}

// countVariants records generated variants when metrics are wired.
func (o *Orchestrator) countVariants(ruleID string, n int) {
	if o.metrics != nil {
		o.metrics.VariantsGenerated(ruleID, n)
	}
}

func (o *Orchestrator) countReplay(ruleID, outcome string, elapsed time.Duration) {
	if o.metrics != nil {
		o.metrics.ReplayDone(ruleID, outcome, elapsed)
	}
}

func (o *Orchestrator) countVulnerability(ruleID string, sev scan.Severity) {
	if o.metrics != nil {
		o.metrics.VulnerabilityFound(ruleID, sev.String())
	}
}

func (o *Orchestrator) countFailure(stage string) {
	if o.metrics != nil {
		o.metrics.ItemFailed(stage)
	}
}

func (o *Orchestrator) countSettled() {
	if o.metrics != nil {
		o.metrics.VariantSettled()
	}
}
