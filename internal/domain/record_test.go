package domain

import (
	"testing"
	"time"
)

func TestDurationMinutes(t *testing.T) {
	base := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)

	t.Run("NormalVisit", func(t *testing.T) {
		rec := &VisitRecord{StartTime: base, EndTime: base.Add(75 * time.Minute)}
		if got := rec.DurationMinutes(); got != 75 {
			t.Errorf("expected 75, got %d", got)
		}
	})

	t.Run("UnsetTimes", func(t *testing.T) {
		rec := &VisitRecord{}
		if got := rec.DurationMinutes(); got != 0 {
			t.Errorf("expected 0, got %d", got)
		}
	})

	t.Run("InvertedTimes", func(t *testing.T) {
		rec := &VisitRecord{StartTime: base, EndTime: base.Add(-time.Hour)}
		if got := rec.DurationMinutes(); got != 0 {
			t.Errorf("expected 0, got %d", got)
		}
	})
}

func TestFieldEmpty(t *testing.T) {
	cases := []struct {
		value string
		empty bool
	}{
		{"", true},
		{"   ", true},
		{"\t\n", true},
		{"wound care", false},
		{" x ", false},
	}

	for _, tc := range cases {
		if got := FieldEmpty(tc.value); got != tc.empty {
			t.Errorf("FieldEmpty(%q) = %v, want %v", tc.value, got, tc.empty)
		}
	}
}

func TestVisitMonth(t *testing.T) {
	rec := &VisitRecord{VisitDate: "2026-08-31"}
	if got := rec.VisitMonth(); got != "2026-08" {
		t.Errorf("expected 2026-08, got %s", got)
	}
}

func TestStringField(t *testing.T) {
	rec := &VisitRecord{MultipleVisitReason: "afternoon follow-up"}

	if v, ok := rec.StringField("multipleVisitReason"); !ok || v != "afternoon follow-up" {
		t.Errorf("unexpected lookup result: %q, %v", v, ok)
	}

	if _, ok := rec.StringField("noSuchField"); ok {
		t.Error("expected unknown field to report not-ok")
	}
}

func TestFlag(t *testing.T) {
	rec := &VisitRecord{IsTerminalCare: true}

	if v, ok := rec.Flag("isTerminalCare"); !ok || !v {
		t.Errorf("unexpected lookup result: %v, %v", v, ok)
	}

	if _, ok := rec.Flag("noSuchFlag"); ok {
		t.Error("expected unknown flag to report not-ok")
	}
}

func TestCertifiedOn(t *testing.T) {
	p := &Patient{CertificationStart: "2026-01-01", CertificationEnd: "2026-06-30"}

	cases := []struct {
		date string
		want bool
	}{
		{"2025-12-31", false},
		{"2026-01-01", true},
		{"2026-06-30", true},
		{"2026-07-01", false},
	}
	for _, tc := range cases {
		if got := p.CertifiedOn(tc.date); got != tc.want {
			t.Errorf("CertifiedOn(%s) = %v, want %v", tc.date, got, tc.want)
		}
	}

	open := &Patient{}
	if !open.CertifiedOn("1999-01-01") {
		t.Error("expected open certification period to cover any date")
	}
}

func TestEvaluationResultApply(t *testing.T) {
	rec := &VisitRecord{}
	result := &EvaluationResult{
		BasePoints:       580,
		CalculatedPoints: 1030,
		AppliedBonuses:   []AppliedBonus{{Code: "KA-001", Points: 450}},
		Alerts:           []string{"long visit but longVisitReason is empty"},
	}

	result.Apply(rec)

	if rec.BasePoints != 580 || rec.CalculatedPoints != 1030 {
		t.Errorf("points not applied: base=%d calc=%d", rec.BasePoints, rec.CalculatedPoints)
	}
	if len(rec.AppliedBonuses) != 1 {
		t.Fatalf("expected 1 applied bonus, got %d", len(rec.AppliedBonuses))
	}
	if !rec.HasAdditionalPaymentAlert {
		t.Error("expected alert flag set when alerts present")
	}

	clean := &VisitRecord{}
	(&EvaluationResult{BasePoints: 100, CalculatedPoints: 100}).Apply(clean)
	if clean.HasAdditionalPaymentAlert {
		t.Error("expected no alert flag without alerts or degradation")
	}

	degradedRec := &VisitRecord{}
	(&EvaluationResult{Degraded: true}).Apply(degradedRec)
	if !degradedRec.HasAdditionalPaymentAlert {
		t.Error("expected alert flag set for degraded result")
	}
}
