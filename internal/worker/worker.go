// Package worker provides async re-evaluation of visit records.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opencare/kasan/internal/domain"
	"github.com/opencare/kasan/internal/rules"
)

// Worker listens for bonus master reloads and re-runs billing evaluation
// over the tenant's draft records, so edits to the master are reflected in
// records that have not been completed yet.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	engine *rules.Engine

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine *rules.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing reload events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicMasterReloaded, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicMasterReloaded, func(ctx context.Context, msg *domain.Message) error {
		return w.reevaluateDrafts(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicMasterReloaded,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.reevaluateDrafts(ctx, msg.TenantID, msg)
}

// ReloadMessage is the payload published when a tenant's bonus master changes.
type ReloadMessage struct {
	TenantID  string `json:"tenantId"`
	BonusCode string `json:"bonusCode,omitempty"`
	Count     int    `json:"count"`
}

// EvaluatedMessage is published for every record the worker re-evaluates.
type EvaluatedMessage struct {
	RecordID         string `json:"recordId"`
	TenantID         string `json:"tenantId"`
	PatientID        string `json:"patientId"`
	CalculatedPoints int    `json:"calculatedPoints"`
	Degraded         bool   `json:"degraded"`
}

// reevaluateDrafts re-runs the engine over every draft record of the tenant.
// Completed and reviewed records keep the billing they were saved with.
func (w *Worker) reevaluateDrafts(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var reload ReloadMessage
	if err := json.Unmarshal(msg.Payload, &reload); err != nil {
		slog.Error("failed to parse reload message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if reload.TenantID != "" {
		tenantID = reload.TenantID
	}

	records, err := w.repo.ListVisitRecordsByStatus(ctx, tenantID, domain.StatusDraft)
	if err != nil {
		slog.Error("failed to list draft records",
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	var evaluated, failed int
	for _, rec := range records {
		result, err := w.engine.Evaluate(ctx, tenantID, rec)
		if err != nil {
			slog.Error("re-evaluation failed",
				"record_id", rec.ID,
				"tenant_id", tenantID,
				"error", err,
			)
			failed++
			continue
		}

		result.Apply(rec)
		rec.UpdatedAt = time.Now().UTC()

		if err := w.repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
			slog.Error("failed to save re-evaluated record",
				"record_id", rec.ID,
				"tenant_id", tenantID,
				"error", err,
			)
			failed++
			continue
		}
		evaluated++

		payload, _ := json.Marshal(EvaluatedMessage{
			RecordID:         rec.ID,
			TenantID:         tenantID,
			PatientID:        rec.PatientID,
			CalculatedPoints: rec.CalculatedPoints,
			Degraded:         result.Degraded,
		})
		if err := w.bus.Publish(ctx, tenantID, domain.TopicRecordEvaluated, payload); err != nil {
			slog.Error("failed to publish evaluation result",
				"record_id", rec.ID,
				"error", err,
			)
		}

		if result.Degraded || result.Alerted() {
			if err := w.bus.Publish(ctx, tenantID, domain.TopicAlertRaised, payload); err != nil {
				slog.Error("failed to publish alert",
					"record_id", rec.ID,
					"error", err,
				)
			}
		}
	}

	slog.Info("draft records re-evaluated",
		"tenant_id", tenantID,
		"evaluated", evaluated,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
