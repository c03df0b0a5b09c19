package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencare/kasan/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kasan-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleRecord(id string) *domain.VisitRecord {
	start := time.Date(2026, 8, 10, 9, 30, 0, 0, time.UTC)
	return &domain.VisitRecord{
		ID:            id,
		PatientID:     "patient-001",
		VisitDate:     "2026-08-10",
		StartTime:     start,
		EndTime:       start.Add(60 * time.Minute),
		Status:        domain.StatusCompleted,
		ServiceCodeID: "sc-001",
		Vitals: domain.VitalSigns{
			TemperatureC: 36.8,
			Pulse:        72,
			SystolicBP:   128,
			DiastolicBP:  82,
			SpO2:         97,
		},
		CareProvided:         "wound dressing change",
		PatientCondition:     "stable",
		HasEmergencyVisit:    true,
		EmergencyVisitReason: "family reported fever",
		BasePoints:           580,
		CalculatedPoints:     3230,
		AppliedBonuses: []domain.AppliedBonus{
			{Code: "EM-001", Name: "Emergency visit addition", Points: 2650, Reason: "family reported fever", MonthlyCount: 1},
		},
		CreatedAt: start,
		UpdatedAt: start,
	}
}

func TestVisitRecordRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-rt"

	rec := sampleRecord("rec-001")
	rec.TenantID = tenantID
	if err := repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
		t.Fatalf("SaveVisitRecord failed: %v", err)
	}

	got, err := repo.GetVisitRecord(ctx, tenantID, "rec-001")
	if err != nil {
		t.Fatalf("GetVisitRecord failed: %v", err)
	}

	if got.PatientID != rec.PatientID || got.VisitDate != rec.VisitDate || got.Status != rec.Status {
		t.Errorf("record mismatch: %+v", got)
	}
	if !got.StartTime.Equal(rec.StartTime) || !got.EndTime.Equal(rec.EndTime) {
		t.Errorf("time mismatch: %v / %v", got.StartTime, got.EndTime)
	}
	if got.Vitals.TemperatureC != 36.8 || got.Vitals.SpO2 != 97 {
		t.Errorf("vitals mismatch: %+v", got.Vitals)
	}
	if !got.HasEmergencyVisit || got.EmergencyVisitReason != "family reported fever" {
		t.Errorf("flag mismatch: %+v", got)
	}
	if got.BasePoints != 580 || got.CalculatedPoints != 3230 {
		t.Errorf("points mismatch: %d/%d", got.BasePoints, got.CalculatedPoints)
	}
	if len(got.AppliedBonuses) != 1 || got.AppliedBonuses[0].Code != "EM-001" {
		t.Errorf("applied bonuses mismatch: %+v", got.AppliedBonuses)
	}
}

func TestVisitRecordUpsertReplacesBonusRows(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-up"

	rec := sampleRecord("rec-001")
	rec.TenantID = tenantID
	if err := repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	// Re-evaluation dropped the emergency bonus and granted another.
	rec.AppliedBonuses = []domain.AppliedBonus{
		{Code: "LV-001", Name: "Long visit addition", Points: 300},
	}
	rec.CalculatedPoints = 880
	if err := repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, err := repo.GetVisitRecord(ctx, tenantID, "rec-001")
	if err != nil {
		t.Fatalf("GetVisitRecord failed: %v", err)
	}
	if len(got.AppliedBonuses) != 1 || got.AppliedBonuses[0].Code != "LV-001" {
		t.Errorf("expected the bonus rows to be replaced, got %+v", got.AppliedBonuses)
	}

	// The old bonus must no longer count toward the monthly tally.
	n, err := repo.CountBonusInMonth(ctx, tenantID, "patient-001", "EM-001", "2026-08", "other")
	if err != nil {
		t.Fatalf("CountBonusInMonth failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected stale bonus rows deleted, got count %d", n)
	}
}

func TestTenantIsolation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := sampleRecord("rec-001")
	rec.TenantID = "tenant-a"
	if err := repo.SaveVisitRecord(ctx, "tenant-a", rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if _, err := repo.GetVisitRecord(ctx, "tenant-b", "rec-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}

	n, err := repo.CountVisitsOnDate(ctx, "tenant-b", "patient-001", "2026-08-10", "")
	if err != nil {
		t.Fatalf("CountVisitsOnDate failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 visits for the other tenant, got %d", n)
	}
}

func TestCountVisitsOnDate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-cv"

	save := func(id string, status domain.RecordStatus, date string) {
		rec := sampleRecord(id)
		rec.TenantID = tenantID
		rec.Status = status
		rec.VisitDate = date
		rec.AppliedBonuses = nil
		if err := repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
			t.Fatalf("save %s failed: %v", id, err)
		}
	}

	save("v-1", domain.StatusCompleted, "2026-08-10")
	save("v-2", domain.StatusCompleted, "2026-08-10")
	save("v-3", domain.StatusDraft, "2026-08-10")
	save("v-4", domain.StatusCompleted, "2026-08-11")

	t.Run("CompletedOnlyOnDate", func(t *testing.T) {
		n, err := repo.CountVisitsOnDate(ctx, tenantID, "patient-001", "2026-08-10", "")
		if err != nil {
			t.Fatalf("CountVisitsOnDate failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2, got %d", n)
		}
	})

	t.Run("ExcludesGivenRecord", func(t *testing.T) {
		n, err := repo.CountVisitsOnDate(ctx, tenantID, "patient-001", "2026-08-10", "v-1")
		if err != nil {
			t.Fatalf("CountVisitsOnDate failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1, got %d", n)
		}
	})
}

func TestCountBonusInMonth(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-cb"

	save := func(id, date string) {
		rec := sampleRecord(id)
		rec.TenantID = tenantID
		rec.VisitDate = date
		if err := repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
			t.Fatalf("save %s failed: %v", id, err)
		}
	}

	save("v-jul", "2026-07-31")
	save("v-aug-1", "2026-08-01")
	save("v-aug-2", "2026-08-31")
	save("v-sep", "2026-09-01")

	t.Run("CalendarMonthBoundaries", func(t *testing.T) {
		n, err := repo.CountBonusInMonth(ctx, tenantID, "patient-001", "EM-001", "2026-08", "")
		if err != nil {
			t.Fatalf("CountBonusInMonth failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 accruals in August, got %d", n)
		}
	})

	t.Run("ExcludesGivenRecord", func(t *testing.T) {
		n, err := repo.CountBonusInMonth(ctx, tenantID, "patient-001", "EM-001", "2026-08", "v-aug-1")
		if err != nil {
			t.Fatalf("CountBonusInMonth failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1, got %d", n)
		}
	})

	t.Run("OtherCodeZero", func(t *testing.T) {
		n, err := repo.CountBonusInMonth(ctx, tenantID, "patient-001", "XX-999", "2026-08", "")
		if err != nil {
			t.Fatalf("CountBonusInMonth failed: %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0, got %d", n)
		}
	})
}

func TestListVisitRecords(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-ls"

	save := func(id, date string, status domain.RecordStatus) {
		rec := sampleRecord(id)
		rec.TenantID = tenantID
		rec.VisitDate = date
		rec.Status = status
		rec.AppliedBonuses = nil
		if err := repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
			t.Fatalf("save %s failed: %v", id, err)
		}
	}

	save("v-1", "2026-08-05", domain.StatusCompleted)
	save("v-2", "2026-08-15", domain.StatusDraft)
	save("v-3", "2026-08-25", domain.StatusCompleted)

	t.Run("ByPatientAndRange", func(t *testing.T) {
		recs, err := repo.ListVisitRecordsByPatient(ctx, tenantID, "patient-001", "2026-08-01", "2026-08-20")
		if err != nil {
			t.Fatalf("ListVisitRecordsByPatient failed: %v", err)
		}
		if len(recs) != 2 {
			t.Errorf("expected 2 records in range, got %d", len(recs))
		}
	})

	t.Run("ByStatus", func(t *testing.T) {
		recs, err := repo.ListVisitRecordsByStatus(ctx, tenantID, domain.StatusDraft)
		if err != nil {
			t.Fatalf("ListVisitRecordsByStatus failed: %v", err)
		}
		if len(recs) != 1 || recs[0].ID != "v-2" {
			t.Errorf("expected only the draft record, got %+v", recs)
		}
	})
}

func TestPatientRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-pt"

	p := &domain.Patient{
		ID:                     "patient-001",
		TenantID:               tenantID,
		Name:                   "Tanaka Hanako",
		InsuranceType:          domain.InsuranceCare,
		SpecialManagementTypes: []string{"ventilator", "tracheostomy"},
		CertificationStart:     "2026-04-01",
		CertificationEnd:       "2027-03-31",
	}
	if err := repo.SavePatient(ctx, tenantID, p); err != nil {
		t.Fatalf("SavePatient failed: %v", err)
	}

	got, err := repo.GetPatient(ctx, tenantID, "patient-001")
	if err != nil {
		t.Fatalf("GetPatient failed: %v", err)
	}
	if got.Name != p.Name || got.InsuranceType != p.InsuranceType {
		t.Errorf("patient mismatch: %+v", got)
	}
	if len(got.SpecialManagementTypes) != 2 {
		t.Errorf("special management types mismatch: %+v", got.SpecialManagementTypes)
	}
	if got.CertificationStart != "2026-04-01" || got.CertificationEnd != "2027-03-31" {
		t.Errorf("certification period mismatch: %+v", got)
	}

	// Upsert updates in place.
	p.Name = "Tanaka Hanako (updated)"
	if err := repo.SavePatient(ctx, tenantID, p); err != nil {
		t.Fatalf("SavePatient update failed: %v", err)
	}
	got, err = repo.GetPatient(ctx, tenantID, "patient-001")
	if err != nil {
		t.Fatalf("GetPatient failed: %v", err)
	}
	if got.Name != "Tanaka Hanako (updated)" {
		t.Errorf("expected updated name, got %q", got.Name)
	}

	if _, err := repo.GetPatient(ctx, tenantID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestServiceCodes(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-sc"

	for _, sc := range []*domain.ServiceCode{
		{ID: "sc-001", TenantID: tenantID, Code: "I-1111", Name: "Basic visit", InsuranceType: domain.InsuranceMedical, BasePoints: 580, Enabled: true},
		{ID: "sc-002", TenantID: tenantID, Code: "I-1112", Name: "Extended visit", InsuranceType: domain.InsuranceCare, BasePoints: 821, Enabled: true},
	} {
		if err := repo.SaveServiceCode(ctx, tenantID, sc); err != nil {
			t.Fatalf("SaveServiceCode failed: %v", err)
		}
	}

	got, err := repo.GetServiceCode(ctx, tenantID, "sc-002")
	if err != nil {
		t.Fatalf("GetServiceCode failed: %v", err)
	}
	if got.BasePoints != 821 || got.InsuranceType != domain.InsuranceCare {
		t.Errorf("service code mismatch: %+v", got)
	}

	all, err := repo.ListServiceCodes(ctx, tenantID)
	if err != nil {
		t.Fatalf("ListServiceCodes failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 service codes, got %d", len(all))
	}
}

func TestBonusDefinitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-bd"

	cap := 2
	def := &domain.BonusDefinition{
		Code: "EM-001", TenantID: tenantID, Name: "Emergency visit addition",
		InsuranceType: domain.InsuranceMedical, Points: 2650, Enabled: true,
		MonthlyCap: &cap,
		Conditions: []domain.Condition{
			{Pattern: domain.PatternFlagEquals, Flag: "hasEmergencyVisit", Expected: true},
		},
	}
	if err := repo.SaveBonusDefinition(ctx, tenantID, def); err != nil {
		t.Fatalf("SaveBonusDefinition failed: %v", err)
	}

	t.Run("RoundTrip", func(t *testing.T) {
		got, err := repo.GetBonusDefinition(ctx, tenantID, "EM-001")
		if err != nil {
			t.Fatalf("GetBonusDefinition failed: %v", err)
		}
		if got.Points != 2650 || got.MonthlyCap == nil || *got.MonthlyCap != 2 {
			t.Errorf("definition mismatch: %+v", got)
		}
		if len(got.Conditions) != 1 || got.Conditions[0].Pattern != domain.PatternFlagEquals {
			t.Errorf("conditions mismatch: %+v", got.Conditions)
		}
		if got.Version == "" {
			t.Error("expected a default version")
		}
	})

	t.Run("NewVersionWins", func(t *testing.T) {
		v2 := *def
		v2.Version = "2.0.0"
		v2.Points = 2800
		if err := repo.SaveBonusDefinition(ctx, tenantID, &v2); err != nil {
			t.Fatalf("SaveBonusDefinition failed: %v", err)
		}

		got, err := repo.GetBonusDefinition(ctx, tenantID, "EM-001")
		if err != nil {
			t.Fatalf("GetBonusDefinition failed: %v", err)
		}
		if got.Version != "2.0.0" || got.Points != 2800 {
			t.Errorf("expected the newest version, got %+v", got)
		}
	})

	t.Run("DisabledExcludedFromList", func(t *testing.T) {
		disabled := &domain.BonusDefinition{
			Code: "OLD-001", TenantID: tenantID, Name: "retired", InsuranceType: domain.InsuranceMedical,
			Points: 100, Enabled: false,
		}
		if err := repo.SaveBonusDefinition(ctx, tenantID, disabled); err != nil {
			t.Fatalf("SaveBonusDefinition failed: %v", err)
		}

		defs, err := repo.ListBonusDefinitions(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListBonusDefinitions failed: %v", err)
		}
		for _, d := range defs {
			if d.Code == "OLD-001" {
				t.Error("disabled definition must not be listed")
			}
		}
		if _, err := repo.GetBonusDefinition(ctx, tenantID, "OLD-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for disabled definition, got %v", err)
		}
	})
}

func TestInvalidInput(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SaveVisitRecord(ctx, "", sampleRecord("x")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty tenant, got %v", err)
	}
	if err := repo.SaveVisitRecord(ctx, "tenant", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for nil record, got %v", err)
	}
	if _, err := repo.GetVisitRecord(ctx, "tenant", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty id, got %v", err)
	}
}
