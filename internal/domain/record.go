// Package domain defines the core types and interfaces for kasan.
package domain

import (
	"strings"
	"time"
)

// RecordStatus is the lifecycle state of a visit record.
type RecordStatus string

const (
	StatusDraft     RecordStatus = "draft"
	StatusCompleted RecordStatus = "completed"
	StatusReviewed  RecordStatus = "reviewed"
)

// VitalSigns holds the measurements taken during a visit.
type VitalSigns struct {
	TemperatureC float64 `json:"temperatureC,omitempty"`
	Pulse        int     `json:"pulse,omitempty"`
	SystolicBP   int     `json:"systolicBp,omitempty"`
	DiastolicBP  int     `json:"diastolicBp,omitempty"`
	SpO2         int     `json:"spo2,omitempty"`
}

// VisitRecord is a single home-nursing visit.
// The billing fields (BasePoints, CalculatedPoints, AppliedBonuses,
// HasAdditionalPaymentAlert, Alerts) are written only by the evaluation
// engine; the API never accepts them from clients.
type VisitRecord struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	PatientID string `json:"patientId"`

	// VisitDate is the calendar date of the visit, "2006-01-02".
	VisitDate string    `json:"visitDate"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	Status RecordStatus `json:"status"`

	// Billing attributes
	ServiceCodeID          string `json:"serviceCodeId"`
	VisitLocationCode      string `json:"visitLocationCode,omitempty"`
	StaffQualificationCode string `json:"staffQualificationCode,omitempty"`

	// Clinical narrative
	Vitals           VitalSigns `json:"vitals"`
	CareProvided     string     `json:"careProvided,omitempty"`
	PatientCondition string     `json:"patientCondition,omitempty"`

	// Accrual flags
	IsSecondVisit          bool   `json:"isSecondVisit"`
	IsDischargeDate        bool   `json:"isDischargeDate"`
	IsFirstVisitOfPlan     bool   `json:"isFirstVisitOfPlan"`
	HasCollaborationRecord bool   `json:"hasCollaborationRecord"`
	IsTerminalCare         bool   `json:"isTerminalCare"`
	HasEmergencyVisit      bool   `json:"hasEmergencyVisit"`
	SpecialistCareType     string `json:"specialistCareType,omitempty"`

	// Justification texts for manually flagged conditions
	MultipleVisitReason  string `json:"multipleVisitReason,omitempty"`
	EmergencyVisitReason string `json:"emergencyVisitReason,omitempty"`
	LongVisitReason      string `json:"longVisitReason,omitempty"`

	// Billing outputs, populated by the engine on every save
	BasePoints                int            `json:"basePoints"`
	CalculatedPoints          int            `json:"calculatedPoints"`
	AppliedBonuses            []AppliedBonus `json:"appliedBonuses"`
	HasAdditionalPaymentAlert bool           `json:"hasAdditionalPaymentAlert"`
	Alerts                    []string       `json:"alerts,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DurationMinutes returns the visit length in whole minutes.
// Zero if the times are unset or inverted.
func (r *VisitRecord) DurationMinutes() int {
	if r.StartTime.IsZero() || r.EndTime.IsZero() || !r.EndTime.After(r.StartTime) {
		return 0
	}
	return int(r.EndTime.Sub(r.StartTime) / time.Minute)
}

// StringField resolves a condition field name to the record's string value.
// The names match the wire form used in bonus master conditions.
func (r *VisitRecord) StringField(name string) (string, bool) {
	switch name {
	case "multipleVisitReason":
		return r.MultipleVisitReason, true
	case "emergencyVisitReason":
		return r.EmergencyVisitReason, true
	case "longVisitReason":
		return r.LongVisitReason, true
	case "careProvided":
		return r.CareProvided, true
	case "patientCondition":
		return r.PatientCondition, true
	case "specialistCareType":
		return r.SpecialistCareType, true
	case "visitLocationCode":
		return r.VisitLocationCode, true
	case "staffQualificationCode":
		return r.StaffQualificationCode, true
	default:
		return "", false
	}
}

// Flag resolves a condition flag name to the record's boolean value.
func (r *VisitRecord) Flag(name string) (bool, bool) {
	switch name {
	case "isSecondVisit":
		return r.IsSecondVisit, true
	case "isDischargeDate":
		return r.IsDischargeDate, true
	case "isFirstVisitOfPlan":
		return r.IsFirstVisitOfPlan, true
	case "hasCollaborationRecord":
		return r.HasCollaborationRecord, true
	case "isTerminalCare":
		return r.IsTerminalCare, true
	case "hasEmergencyVisit":
		return r.HasEmergencyVisit, true
	default:
		return false, false
	}
}

// VisitMonth returns the "2006-01" month of the visit date.
func (r *VisitRecord) VisitMonth() string {
	if len(r.VisitDate) < 7 {
		return r.VisitDate
	}
	return r.VisitDate[:7]
}

// FieldEmpty reports whether the named string field is empty after trimming.
func FieldEmpty(value string) bool {
	return strings.TrimSpace(value) == ""
}
