package domain

import "time"

// Patient holds the attributes the engine needs to select and test rules.
type Patient struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`

	InsuranceType InsuranceType `json:"insuranceType"`

	// SpecialManagementTypes are category codes that unlock eligibility
	// for specific bonuses.
	SpecialManagementTypes []string `json:"specialManagementTypes"`

	// Certification period, "2006-01-02"; empty bounds are open.
	CertificationStart string `json:"certificationStart,omitempty"`
	CertificationEnd   string `json:"certificationEnd,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasSpecialManagement reports whether the patient carries the category code.
func (p *Patient) HasSpecialManagement(code string) bool {
	for _, c := range p.SpecialManagementTypes {
		if c == code {
			return true
		}
	}
	return false
}

// CertifiedOn reports whether the date ("2006-01-02") falls inside the
// patient's certification period. Lexicographic comparison is exact for
// this date format.
func (p *Patient) CertifiedOn(date string) bool {
	if p.CertificationStart != "" && date < p.CertificationStart {
		return false
	}
	if p.CertificationEnd != "" && date > p.CertificationEnd {
		return false
	}
	return true
}

// ServiceCode is a billable visit service with its base point value.
type ServiceCode struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenantId"`
	Code          string        `json:"code"`
	Name          string        `json:"name"`
	InsuranceType InsuranceType `json:"insuranceType"`
	BasePoints    int           `json:"basePoints"`
	Enabled       bool          `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
