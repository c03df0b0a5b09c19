package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencare/kasan/internal/aggregate"
	"github.com/opencare/kasan/internal/billing"
	"github.com/opencare/kasan/internal/domain"
)

// longVisitMinutes is the visit length that requires a justification text.
const longVisitMinutes = 90

const engineVersion = "kasan-1.0"

// Engine decides which bonuses apply to a visit record and computes its
// total billing points. Stateless per invocation: every save triggers a
// full recompute against current history, never an incremental update.
type Engine struct {
	rules *RuleSet
	agg   *aggregate.Aggregator
	repo  domain.Repository
	calc  *billing.Calculator
}

// NewEngine creates a bonus evaluation engine.
func NewEngine(ruleSet *RuleSet, agg *aggregate.Aggregator, repo domain.Repository, calc *billing.Calculator) *Engine {
	return &Engine{
		rules: ruleSet,
		agg:   agg,
		repo:  repo,
		calc:  calc,
	}
}

// RuleSet returns the engine's catalog, for master reload handling.
func (e *Engine) RuleSet() *RuleSet { return e.rules }

// Evaluate runs the full bonus computation for one record.
//
// Context aggregation failure fails closed: no bonuses, base points only,
// degraded flag set. A ConfigError on one bonus skips that bonus only.
// The returned error is non-nil only for invalid arguments; a degraded
// evaluation is still a successful evaluation from the caller's side.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, rec *domain.VisitRecord) (*domain.EvaluationResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if rec == nil {
		return nil, fmt.Errorf("record is required")
	}

	start := time.Now()

	if err := e.ensureLoaded(ctx, tenantID); err != nil {
		slog.Error("bonus master unavailable", "tenant_id", tenantID, "error", err)
		return e.degraded(ctx, tenantID, rec, start), nil
	}

	patient, err := e.agg.LoadPatient(ctx, tenantID, rec.PatientID)
	if err != nil {
		slog.Error("patient lookup failed", "tenant_id", tenantID, "patient_id", rec.PatientID, "error", err)
		return e.degraded(ctx, tenantID, rec, start), nil
	}

	candidates := e.rules.RulesFor(tenantID, patient.InsuranceType, patient.SpecialManagementTypes)

	var cappedCodes []string
	for _, cb := range candidates {
		if cb.Def.MonthlyCap != nil {
			cappedCodes = append(cappedCodes, cb.Def.Code)
		}
	}

	aggCtx, err := e.agg.BuildContext(ctx, tenantID, rec, patient, cappedCodes)
	aggregateMs := time.Since(start).Milliseconds()
	if err != nil {
		var unavailable *aggregate.DataUnavailableError
		if errors.As(err, &unavailable) {
			slog.Error("context aggregation failed",
				"tenant_id", tenantID,
				"record_id", rec.ID,
				"op", unavailable.Op,
				"error", err,
			)
		}
		return e.degraded(ctx, tenantID, rec, start), nil
	}

	rulesStart := time.Now()

	applied := make([]domain.AppliedBonus, 0, len(candidates))
	seenGroups := make(map[string]bool)
	total := aggCtx.BasePoints()

	for _, cb := range candidates {
		def := cb.Def

		if def.ExclusionGroup != "" && seenGroups[def.ExclusionGroup] {
			continue
		}
		if def.MonthlyCap != nil && aggCtx.MonthlyCount(def.Code) >= *def.MonthlyCap {
			continue
		}

		matched, err := e.matchAll(cb, rec, aggCtx)
		if err != nil {
			// Bad catalog entry: skip this bonus only, keep evaluating
			// the rest. Surfaced to administrators via the log.
			slog.Error("bonus condition misconfigured",
				"tenant_id", tenantID,
				"bonus_code", def.Code,
				"error", err,
			)
			continue
		}
		if !matched {
			continue
		}

		if def.ExclusionGroup != "" {
			seenGroups[def.ExclusionGroup] = true
		}

		applied = append(applied, appliedBonus(def, rec, aggCtx))
		total += def.Points
	}

	result := &domain.EvaluationResult{
		AppliedBonuses:   applied,
		BasePoints:       aggCtx.BasePoints(),
		CalculatedPoints: total,
		Alerts:           softAlerts(rec),
		Metadata: domain.EvaluationMetadata{
			AggregateMs:    aggregateMs,
			RulesMs:        time.Since(rulesStart).Milliseconds(),
			TotalMs:        time.Since(start).Milliseconds(),
			RulesEvaluated: len(candidates),
			EngineVersion:  engineVersion,
		},
	}

	if e.calc != nil {
		result.BilledAmount = e.calc.AmountYen(patient.InsuranceType, total)
	}

	return result, nil
}

// matchAll tests every condition of a bonus; all must hold.
func (e *Engine) matchAll(cb *CompiledBonus, rec *domain.VisitRecord, aggCtx *aggregate.Context) (bool, error) {
	for i, cond := range cb.Def.Conditions {
		ok, err := evaluateCondition(cond, cb.Program(i), cb.Def, rec, aggCtx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ensureLoaded lazily installs a tenant's catalog from the repository.
func (e *Engine) ensureLoaded(ctx context.Context, tenantID string) error {
	if e.rules.Loaded(tenantID) {
		return nil
	}

	defs, err := e.repo.ListBonusDefinitions(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to list bonus definitions: %w", err)
	}

	if err := e.rules.Load(tenantID, defs); err != nil {
		// Compile failures are per-bonus; the valid remainder is loaded.
		slog.Error("bonus master loaded with errors", "tenant_id", tenantID, "error", err)
	}
	return nil
}

// degraded is the fail-closed fallback: base service points only, no
// bonuses, alert flag raised so the degradation is visible for review.
func (e *Engine) degraded(ctx context.Context, tenantID string, rec *domain.VisitRecord, start time.Time) *domain.EvaluationResult {
	base := e.agg.BasePoints(ctx, tenantID, rec.ServiceCodeID)

	return &domain.EvaluationResult{
		AppliedBonuses:   []domain.AppliedBonus{},
		BasePoints:       base,
		CalculatedPoints: base,
		Alerts:           []string{"billing computation degraded: bonus evaluation skipped"},
		Degraded:         true,
		Metadata: domain.EvaluationMetadata{
			TotalMs:       time.Since(start).Milliseconds(),
			EngineVersion: engineVersion,
		},
	}
}

// softAlerts flags manually-set conditions whose justification text is
// missing. Soft: recorded for manual review, never blocks the save.
// Hard enforcement happens at record completion in the API layer.
func softAlerts(rec *domain.VisitRecord) []string {
	var alerts []string

	if rec.HasEmergencyVisit && domain.FieldEmpty(rec.EmergencyVisitReason) {
		alerts = append(alerts, "emergency visit flagged but emergencyVisitReason is empty")
	}
	if rec.IsSecondVisit && domain.FieldEmpty(rec.MultipleVisitReason) {
		alerts = append(alerts, "multiple visits flagged but multipleVisitReason is empty")
	}
	if rec.DurationMinutes() >= longVisitMinutes && domain.FieldEmpty(rec.LongVisitReason) {
		alerts = append(alerts, "long visit but longVisitReason is empty")
	}

	return alerts
}

// appliedBonus builds the audit payload for one granted bonus.
func appliedBonus(def *domain.BonusDefinition, rec *domain.VisitRecord, aggCtx *aggregate.Context) domain.AppliedBonus {
	ab := domain.AppliedBonus{
		Code:   def.Code,
		Name:   def.Name,
		Points: def.Points,
	}

	for _, cond := range def.Conditions {
		switch cond.Pattern {
		case domain.PatternDailyVisitCountGTE:
			ab.VisitNumber = aggCtx.VisitsOnSameDay
		case domain.PatternDurationGTE:
			ab.DurationMinutes = rec.DurationMinutes()
		case domain.PatternFieldNotEmpty:
			if reason, ok := rec.StringField(cond.Field); ok && ab.Reason == "" {
				ab.Reason = reason
			}
		}
	}

	if def.MonthlyCap != nil {
		ab.MonthlyCount = aggCtx.MonthlyCount(def.Code) + 1
	}

	return ab
}
