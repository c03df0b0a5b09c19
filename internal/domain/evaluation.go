package domain

// EvaluationResult is the output of one run of the bonus evaluation engine
// for a visit record.
type EvaluationResult struct {
	AppliedBonuses []AppliedBonus `json:"appliedBonuses"`

	BasePoints int `json:"basePoints"`

	// CalculatedPoints == BasePoints + sum of AppliedBonuses[].Points.
	CalculatedPoints int `json:"calculatedPoints"`

	// BilledAmount is the yen value of CalculatedPoints as a decimal string.
	BilledAmount string `json:"billedAmount,omitempty"`

	// Alerts are soft warnings surfaced for manual review; they never
	// block a save.
	Alerts []string `json:"alerts,omitempty"`

	// Degraded is set when context aggregation failed and the engine
	// fell back to base points only.
	Degraded bool `json:"degraded,omitempty"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// Alerted reports whether the result carries any soft alert.
func (r *EvaluationResult) Alerted() bool {
	return len(r.Alerts) > 0
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	AggregateMs    int64  `json:"aggregateMs"`
	RulesMs        int64  `json:"rulesMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// Apply copies an evaluation result onto the record's billing fields.
// This is the only path that mutates them.
func (r *EvaluationResult) Apply(rec *VisitRecord) {
	rec.BasePoints = r.BasePoints
	rec.CalculatedPoints = r.CalculatedPoints
	rec.AppliedBonuses = r.AppliedBonuses
	rec.Alerts = r.Alerts
	rec.HasAdditionalPaymentAlert = r.Alerted() || r.Degraded
}
