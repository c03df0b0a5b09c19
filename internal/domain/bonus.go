package domain

import "time"

// InsuranceType selects the billing scheme a bonus or service code belongs to.
type InsuranceType string

const (
	InsuranceMedical InsuranceType = "medical"
	InsuranceCare    InsuranceType = "care"
)

// ConditionPattern identifies a condition variant.
// The set is closed; an unrecognized pattern is a configuration error,
// never a silent false.
type ConditionPattern string

const (
	// PatternFieldNotEmpty is true when the named record field holds a
	// non-empty trimmed string.
	PatternFieldNotEmpty ConditionPattern = "field_not_empty"

	// PatternDailyVisitCountGTE is true when the patient's same-day visit
	// count, inclusive of the record under evaluation, is >= Value.
	PatternDailyVisitCountGTE ConditionPattern = "daily_visit_count_gte"

	// PatternFlagEquals compares a boolean record flag against Expected.
	PatternFlagEquals ConditionPattern = "flag_equals"

	// PatternDateWithinPeriod is true when the visit date falls inside the
	// bonus applicability window and the patient's certification period.
	PatternDateWithinPeriod ConditionPattern = "date_within_period"

	// PatternDurationGTE is true when the visit length in minutes is >= Value.
	PatternDurationGTE ConditionPattern = "duration_gte"

	// PatternSpecialistCareType compares the record's specialist care type
	// against Equals.
	PatternSpecialistCareType ConditionPattern = "specialist_care_type"

	// PatternExpression evaluates a CEL expression over the record and its
	// aggregate context. Compiled when the bonus master is loaded.
	PatternExpression ConditionPattern = "expression"
)

// Condition is one declarative predicate attached to a bonus definition.
// Which fields are meaningful depends on Pattern. Conditions in a
// definition are ANDed.
type Condition struct {
	Pattern     ConditionPattern `json:"pattern"`
	Field       string           `json:"field,omitempty"`
	Value       int              `json:"value,omitempty"`
	Flag        string           `json:"flag,omitempty"`
	Expected    bool             `json:"expected,omitempty"`
	Equals      string           `json:"equals,omitempty"`
	Expression  string           `json:"expression,omitempty"`
	Description string           `json:"description,omitempty"`
}

// BonusDefinition is one entry of the bonus master catalog.
// Immutable at evaluation time; edited only through the master API.
type BonusDefinition struct {
	Code          string        `json:"code"`
	TenantID      string        `json:"tenantId"`
	Name          string        `json:"name"`
	InsuranceType InsuranceType `json:"insuranceType"`

	// Points may be negative for deduction-type additions.
	Points int `json:"points"`

	Conditions []Condition `json:"predefinedConditions"`

	// Applicability window, "2006-01-02"; empty means open-ended.
	ValidFrom  string `json:"validFrom,omitempty"`
	ValidUntil string `json:"validUntil,omitempty"`

	// MonthlyCap limits how many times the bonus may accrue for one patient
	// in a calendar month. Nil means uncapped.
	MonthlyCap *int `json:"monthlyCap,omitempty"`

	// ExclusionGroup suppresses all but the lowest-Priority bonus of the
	// same group. Empty means no exclusion.
	ExclusionGroup string `json:"exclusionGroup,omitempty"`

	// RequiredSpecialManagement restricts the bonus to patients carrying
	// the named special-management category.
	RequiredSpecialManagement string `json:"requiredSpecialManagement,omitempty"`

	// Priority orders evaluation; lower evaluates first and wins
	// exclusion-group ties.
	Priority int `json:"priority"`

	Enabled bool   `json:"enabled"`
	Version string `json:"version"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// AppliedBonus is one granted bonus on an evaluated record.
// The list on a record is fully replaced by each evaluation.
type AppliedBonus struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Points int    `json:"points"`

	// Supporting details for audit and display.
	Reason          string `json:"reason,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
	VisitNumber     int    `json:"visitNumber,omitempty"`
	MonthlyCount    int    `json:"monthlyCount,omitempty"`
}
