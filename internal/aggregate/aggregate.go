// Package aggregate builds the temporal and patient context that bonus
// conditions are evaluated against.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/opencare/kasan/internal/domain"
)

// patientCacheTTL bounds how stale a cached patient lookup may be.
const patientCacheTTL = 5 * time.Minute

// DataUnavailableError signals that the context could not be assembled.
// The engine must fail closed on it: no bonuses are granted against an
// incomplete view of the patient's history.
type DataUnavailableError struct {
	Op  string
	Err error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("context data unavailable (%s): %v", e.Op, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

// Context holds the per-patient aggregates needed by condition evaluation.
// Read-only once built.
type Context struct {
	Patient     *domain.Patient
	ServiceCode *domain.ServiceCode

	// VisitsOnSameDay counts the patient's completed visits on the record's
	// calendar date, inclusive of the record under evaluation.
	VisitsOnSameDay int

	// MonthlyBonusCounts maps bonus code to the number of times the bonus
	// accrued for this patient in the record's calendar month, excluding
	// the record under evaluation.
	MonthlyBonusCounts map[string]int
}

// BasePoints returns the base service-code points, zero when the service
// code could not be resolved.
func (c *Context) BasePoints() int {
	if c.ServiceCode == nil {
		return 0
	}
	return c.ServiceCode.BasePoints
}

// MonthlyCount returns the prior accrual count for a bonus code.
func (c *Context) MonthlyCount(code string) int {
	return c.MonthlyBonusCounts[code]
}

// Aggregator computes evaluation context from persisted records.
// It never mutates stored data.
type Aggregator struct {
	repo  domain.Repository
	cache domain.Cache
}

// New creates a new context aggregator.
func New(repo domain.Repository, cache domain.Cache) *Aggregator {
	return &Aggregator{
		repo:  repo,
		cache: cache,
	}
}

// LoadPatient resolves the patient for a record, via cache when available.
func (a *Aggregator) LoadPatient(ctx context.Context, tenantID, patientID string) (*domain.Patient, error) {
	if tenantID == "" || patientID == "" {
		return nil, &DataUnavailableError{Op: "patient", Err: fmt.Errorf("tenantID and patientID are required")}
	}

	if a.cache != nil {
		if p, err := a.cache.GetPatient(ctx, tenantID, patientID); err == nil && p != nil {
			return p, nil
		}
	}

	p, err := a.repo.GetPatient(ctx, tenantID, patientID)
	if err != nil {
		return nil, &DataUnavailableError{Op: "patient", Err: err}
	}

	if a.cache != nil {
		_ = a.cache.SetPatient(ctx, tenantID, patientID, p, patientCacheTTL)
	}

	return p, nil
}

// BuildContext assembles the aggregate context for one record.
// cappedCodes lists the bonus codes whose monthly accrual counts are needed.
// Any load failure yields a DataUnavailableError; partial context is never
// returned.
func (a *Aggregator) BuildContext(ctx context.Context, tenantID string, rec *domain.VisitRecord, patient *domain.Patient, cappedCodes []string) (*Context, error) {
	sc, err := a.repo.GetServiceCode(ctx, tenantID, rec.ServiceCodeID)
	if err != nil {
		return nil, &DataUnavailableError{Op: "service_code", Err: err}
	}

	sameDay, err := a.repo.CountVisitsOnDate(ctx, tenantID, rec.PatientID, rec.VisitDate, rec.ID)
	if err != nil {
		return nil, &DataUnavailableError{Op: "daily_count", Err: err}
	}

	monthly := make(map[string]int, len(cappedCodes))
	month := rec.VisitMonth()
	for _, code := range cappedCodes {
		n, err := a.repo.CountBonusInMonth(ctx, tenantID, rec.PatientID, code, month, rec.ID)
		if err != nil {
			return nil, &DataUnavailableError{Op: "monthly_count", Err: err}
		}
		monthly[code] = n
	}

	return &Context{
		Patient:     patient,
		ServiceCode: sc,
		// +1 counts the in-flight record itself: "this is the 3rd visit
		// today" includes the visit being saved.
		VisitsOnSameDay:    sameDay + 1,
		MonthlyBonusCounts: monthly,
	}, nil
}

// BasePoints resolves base service-code points outside of full context
// assembly. Used for the degraded fallback when BuildContext fails.
func (a *Aggregator) BasePoints(ctx context.Context, tenantID, serviceCodeID string) int {
	if serviceCodeID == "" {
		return 0
	}
	sc, err := a.repo.GetServiceCode(ctx, tenantID, serviceCodeID)
	if err != nil {
		return 0
	}
	return sc.BasePoints
}
