package aggregate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencare/kasan/internal/cache"
	"github.com/opencare/kasan/internal/domain"
	"github.com/opencare/kasan/internal/repository"
)

func newTestAggregator(t *testing.T) (*Aggregator, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kasan-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return New(repo, cache.NewLRUCache(100)), repo
}

func visitAt(id, patientID, date string, status domain.RecordStatus, hour int) *domain.VisitRecord {
	start := time.Date(2026, 8, 10, hour, 0, 0, 0, time.UTC)
	return &domain.VisitRecord{
		ID:            id,
		PatientID:     patientID,
		VisitDate:     date,
		StartTime:     start,
		EndTime:       start.Add(45 * time.Minute),
		Status:        status,
		ServiceCodeID: "sc-001",
	}
}

func TestBuildContext(t *testing.T) {
	agg, repo := newTestAggregator(t)
	ctx := context.Background()
	tenantID := "tenant-ctx"

	patient := &domain.Patient{ID: "patient-001", TenantID: tenantID, Name: "Sato Ichiro", InsuranceType: domain.InsuranceMedical}
	if err := repo.SavePatient(ctx, tenantID, patient); err != nil {
		t.Fatalf("failed to save patient: %v", err)
	}
	err := repo.SaveServiceCode(ctx, tenantID, &domain.ServiceCode{
		ID: "sc-001", TenantID: tenantID, Code: "I-1111", Name: "visit",
		InsuranceType: domain.InsuranceMedical, BasePoints: 580, Enabled: true,
	})
	if err != nil {
		t.Fatalf("failed to save service code: %v", err)
	}

	t.Run("CountsCompletedVisitsInclusive", func(t *testing.T) {
		// Two completed, one draft on the same day. Drafts never count.
		for i, rec := range []*domain.VisitRecord{
			visitAt("v-1", "patient-001", "2026-08-10", domain.StatusCompleted, 9),
			visitAt("v-2", "patient-001", "2026-08-10", domain.StatusCompleted, 11),
			visitAt("v-3", "patient-001", "2026-08-10", domain.StatusDraft, 14),
		} {
			rec.TenantID = tenantID
			if err := repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
				t.Fatalf("failed to save record %d: %v", i, err)
			}
		}

		inFlight := visitAt("v-new", "patient-001", "2026-08-10", domain.StatusCompleted, 16)
		got, err := agg.BuildContext(ctx, tenantID, inFlight, patient, nil)
		if err != nil {
			t.Fatalf("BuildContext failed: %v", err)
		}
		if got.VisitsOnSameDay != 3 {
			t.Errorf("expected 3 visits including the in-flight record, got %d", got.VisitsOnSameDay)
		}
		if got.BasePoints() != 580 {
			t.Errorf("expected base points 580, got %d", got.BasePoints())
		}
	})

	t.Run("ExcludesRecordUnderEvaluation", func(t *testing.T) {
		// Re-evaluating v-1 must not count v-1 among the prior visits.
		got, err := agg.BuildContext(ctx, tenantID, visitAt("v-1", "patient-001", "2026-08-10", domain.StatusCompleted, 9), patient, nil)
		if err != nil {
			t.Fatalf("BuildContext failed: %v", err)
		}
		if got.VisitsOnSameDay != 2 {
			t.Errorf("expected 2 visits, got %d", got.VisitsOnSameDay)
		}
	})

	t.Run("MonthlyBonusCounts", func(t *testing.T) {
		rec := visitAt("v-bonus", "patient-001", "2026-08-12", domain.StatusCompleted, 9)
		rec.TenantID = tenantID
		rec.AppliedBonuses = []domain.AppliedBonus{{Code: "EM-001", Name: "Emergency visit addition", Points: 2650}}
		if err := repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
			t.Fatalf("failed to save record: %v", err)
		}

		inFlight := visitAt("v-new-2", "patient-001", "2026-08-20", domain.StatusCompleted, 9)
		got, err := agg.BuildContext(ctx, tenantID, inFlight, patient, []string{"EM-001", "UNSEEN"})
		if err != nil {
			t.Fatalf("BuildContext failed: %v", err)
		}
		if got.MonthlyCount("EM-001") != 1 {
			t.Errorf("expected 1 accrual for EM-001, got %d", got.MonthlyCount("EM-001"))
		}
		if got.MonthlyCount("UNSEEN") != 0 {
			t.Errorf("expected 0 accruals for UNSEEN, got %d", got.MonthlyCount("UNSEEN"))
		}
	})

	t.Run("MissingServiceCodeIsUnavailable", func(t *testing.T) {
		rec := visitAt("v-bad", "patient-001", "2026-08-10", domain.StatusCompleted, 9)
		rec.ServiceCodeID = "no-such-code"

		_, err := agg.BuildContext(ctx, tenantID, rec, patient, nil)
		var unavailable *DataUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("expected DataUnavailableError, got %v", err)
		}
		if unavailable.Op != "service_code" {
			t.Errorf("expected op service_code, got %s", unavailable.Op)
		}
	})
}

func TestLoadPatient(t *testing.T) {
	agg, repo := newTestAggregator(t)
	ctx := context.Background()
	tenantID := "tenant-pt"

	err := repo.SavePatient(ctx, tenantID, &domain.Patient{
		ID: "patient-001", TenantID: tenantID, Name: "Yamada Taro", InsuranceType: domain.InsuranceCare,
	})
	if err != nil {
		t.Fatalf("failed to save patient: %v", err)
	}

	t.Run("LoadsAndCaches", func(t *testing.T) {
		p, err := agg.LoadPatient(ctx, tenantID, "patient-001")
		if err != nil {
			t.Fatalf("LoadPatient failed: %v", err)
		}
		if p.Name != "Yamada Taro" {
			t.Errorf("unexpected patient: %+v", p)
		}

		// A repository update is invisible until the cache entry expires
		// or is invalidated by the API layer.
		err = repo.SavePatient(ctx, tenantID, &domain.Patient{
			ID: "patient-001", TenantID: tenantID, Name: "Renamed", InsuranceType: domain.InsuranceCare,
		})
		if err != nil {
			t.Fatalf("failed to update patient: %v", err)
		}
		p, err = agg.LoadPatient(ctx, tenantID, "patient-001")
		if err != nil {
			t.Fatalf("LoadPatient failed: %v", err)
		}
		if p.Name != "Yamada Taro" {
			t.Errorf("expected cached patient, got %q", p.Name)
		}
	})

	t.Run("UnknownPatient", func(t *testing.T) {
		_, err := agg.LoadPatient(ctx, tenantID, "no-such-patient")
		var unavailable *DataUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("expected DataUnavailableError, got %v", err)
		}
	})

	t.Run("MissingArgs", func(t *testing.T) {
		if _, err := agg.LoadPatient(ctx, "", "patient-001"); err == nil {
			t.Error("expected error for empty tenant")
		}
		if _, err := agg.LoadPatient(ctx, tenantID, ""); err == nil {
			t.Error("expected error for empty patient")
		}
	})
}

func TestBasePointsFallback(t *testing.T) {
	agg, repo := newTestAggregator(t)
	ctx := context.Background()
	tenantID := "tenant-bp"

	err := repo.SaveServiceCode(ctx, tenantID, &domain.ServiceCode{
		ID: "sc-001", TenantID: tenantID, Code: "I-1111", Name: "visit",
		InsuranceType: domain.InsuranceMedical, BasePoints: 313, Enabled: true,
	})
	if err != nil {
		t.Fatalf("failed to save service code: %v", err)
	}

	if got := agg.BasePoints(ctx, tenantID, "sc-001"); got != 313 {
		t.Errorf("expected 313, got %d", got)
	}
	if got := agg.BasePoints(ctx, tenantID, "missing"); got != 0 {
		t.Errorf("expected 0 for unknown service code, got %d", got)
	}
	if got := agg.BasePoints(ctx, tenantID, ""); got != 0 {
		t.Errorf("expected 0 for empty service code, got %d", got)
	}
}
