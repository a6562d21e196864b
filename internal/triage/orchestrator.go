package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmt/backend/internal/alerts"
	"github.com/tmt/backend/internal/domain"
	"github.com/tmt/backend/internal/llm"
	"github.com/tmt/backend/internal/metrics"
	"github.com/tmt/backend/internal/store"
)

// Budgets holds the per-item timing and retry knobs.
type Budgets struct {
	Hard       time.Duration // wall clock per item
	Soft       time.Duration // LLM cut-off; fallback runs in the remainder
	MaxRetries int           // transient store failures
	Workers    int
}

// DefaultBudgets mirrors the deployment defaults.
func DefaultBudgets() Budgets {
	return Budgets{Hard: 300 * time.Second, Soft: 270 * time.Second, MaxRetries: 2, Workers: 4}
}

// Orchestrator drains the queue with parallel workers. Stages within one
// item run sequentially; the keyword branch handles every LLM failure mode.
type Orchestrator struct {
	store   *store.Store
	alerts  *alerts.Engine
	llm     *llm.Client
	queue   Queue
	budgets Budgets
	logger  *slog.Logger
}

// NewOrchestrator wires the triage workers.
func NewOrchestrator(st *store.Store, engine *alerts.Engine, client *llm.Client, queue Queue, budgets Budgets, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if budgets.Workers <= 0 {
		budgets.Workers = DefaultBudgets().Workers
	}
	return &Orchestrator{
		store:   st,
		alerts:  engine,
		llm:     client,
		queue:   queue,
		budgets: budgets,
		logger:  logger.With("component", "triage"),
	}
}

// Run blocks until ctx ends, processing items on budgets.Workers goroutines.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.budgets.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		item, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		o.Process(ctx, item)
	}
}

// Process runs one item end to end. A failed item leaves the SOS pending;
// it never blocks or poisons other items.
func (o *Orchestrator) Process(ctx context.Context, item *WorkItem) {
	start := time.Now()
	itemCtx, cancel := context.WithTimeout(ctx, o.budgets.Hard)
	defer cancel()

	tc := GatherContext(itemCtx, o.store, item)

	res, method := o.decide(itemCtx, tc, item)
	if res == nil {
		metrics.TriageCompleted.WithLabelValues("failed").Inc()
		o.logger.Error("triage produced no result, sos stays pending", "sos", item.SOSID)
		return
	}

	if err := o.commit(itemCtx, item, tc, res); err != nil {
		metrics.TriageCompleted.WithLabelValues("failed").Inc()
		o.logger.Error("triage commit failed, sos stays pending",
			"sos", item.SOSID, "error", err)
		return
	}

	metrics.TriageCompleted.WithLabelValues(method).Inc()
	metrics.TriageDuration.Observe(time.Since(start).Seconds())
	o.logger.Info("triage complete", "sos", item.SOSID, "method", method,
		"department", res.Department, "severity", res.Severity)
}

// decide runs the LLM branch under the soft budget and falls back to the
// keyword branch on any failure.
func (o *Orchestrator) decide(ctx context.Context, tc *Context, item *WorkItem) (*Result, string) {
	if o.llm != nil && o.llm.Configured() {
		softCtx, cancel := context.WithTimeout(ctx, o.budgets.Soft)
		res, err := RunLLM(softCtx, o.llm, tc)
		cancel()
		if err == nil {
			return res, "llm"
		}
		o.logger.Warn("llm triage failed, using keyword fallback",
			"sos", item.SOSID, "error", err)
	}

	res := KeywordTriage(item, len(tc.Alerts))
	return &res, "fallback"
}

// commitStep is one commit side effect. A step that succeeded once is never
// re-run when a later step forces a retry.
type commitStep struct {
	name string
	skip bool
	done bool
	run  func() error
}

func runSteps(steps []*commitStep) error {
	for _, s := range steps {
		if s.skip || s.done {
			continue
		}
		if err := s.run(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		s.done = true
	}
	return nil
}

// commit writes the three side effects, retrying transient store failures.
// A routing failure cannot duplicate the alert: the earlier steps stay done.
func (o *Orchestrator) commit(ctx context.Context, item *WorkItem, tc *Context, res *Result) error {
	steps := []*commitStep{
		{name: "update risk", skip: tc.Patient == nil, run: func() error {
			return o.store.Patients.UpdateRisk(ctx, tc.Patient.ID, res.RiskScore, res.RiskLevel)
		}},
		{name: "create alert", skip: item.SOS.Location == nil, run: func() error {
			_, err := o.alerts.Create(ctx, alerts.CreateParams{
				EventType:        res.EventType,
				Severity:         res.Severity,
				Center:           *item.SOS.Location,
				Source:           domain.AlertFromSOS,
				Confidence:       res.Confidence,
				Title:            fmt.Sprintf("SOS: %s", res.EventType),
				Details:          item.SOS.Details,
				Department:       res.Department,
				TargetFacilityID: res.TargetFacilityID,
				Metadata: map[string]interface{}{
					"sos_id":        item.SOSID,
					"triage_method": res.Method,
					"risk_score":    res.RiskScore,
					"reasoning":     res.Reasoning,
				},
			})
			return err
		}},
		{name: "update routing", run: func() error {
			return o.store.SOS.UpdateRouting(ctx, item.SOSID, res.Department, res.TargetFacilityID)
		}},
	}
	return o.withRetries(ctx, func() error { return runSteps(steps) })
}

func (o *Orchestrator) withRetries(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= o.budgets.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrInvalidPayload) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return err
}
