package api

import (
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/opencare/kasan/internal/domain"
	"github.com/opencare/kasan/internal/rules"
)

// lockStripes is the number of mutexes serializing per-patient saves.
const lockStripes = 64

// longVisitMinutes is the visit length that requires a justification text.
const longVisitMinutes = 90

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	version string

	// Saves for the same patient are serialized so concurrent edits see a
	// consistent visit history when counting same-day visits and monthly
	// bonus usage.
	patientLocks [lockStripes]sync.Mutex
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  engine,
		version: version,
	}
}

func (h *Handler) lockFor(tenantID, patientID string) *sync.Mutex {
	hash := fnv.New32a()
	hash.Write([]byte(tenantID))
	hash.Write([]byte{0})
	hash.Write([]byte(patientID))
	return &h.patientLocks[hash.Sum32()%lockStripes]
}

// VisitRecordRequest is the request body for POST /api/nursing-records and PUT /api/nursing-records/{id}.
// Billing outputs are never accepted from clients; they are recomputed on
// every save.
type VisitRecordRequest struct {
	PatientID string `json:"patientId"`
	VisitDate string `json:"visitDate"`

	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	Status string `json:"status"`

	ServiceCodeID          string `json:"serviceCodeId"`
	VisitLocationCode      string `json:"visitLocationCode,omitempty"`
	StaffQualificationCode string `json:"staffQualificationCode,omitempty"`

	Vitals           domain.VitalSigns `json:"vitals"`
	CareProvided     string            `json:"careProvided,omitempty"`
	PatientCondition string            `json:"patientCondition,omitempty"`

	IsSecondVisit          bool   `json:"isSecondVisit"`
	IsDischargeDate        bool   `json:"isDischargeDate"`
	IsFirstVisitOfPlan     bool   `json:"isFirstVisitOfPlan"`
	HasCollaborationRecord bool   `json:"hasCollaborationRecord"`
	IsTerminalCare         bool   `json:"isTerminalCare"`
	HasEmergencyVisit      bool   `json:"hasEmergencyVisit"`
	SpecialistCareType     string `json:"specialistCareType,omitempty"`

	MultipleVisitReason  string `json:"multipleVisitReason,omitempty"`
	EmergencyVisitReason string `json:"emergencyVisitReason,omitempty"`
	LongVisitReason      string `json:"longVisitReason,omitempty"`
}

// Validate checks structural requirements. Missing justification texts are
// deliberately not rejected here: on draft saves they surface as soft
// alerts on the evaluation result, and only completion enforces them
// (validateCompletion).
func (req *VisitRecordRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.PatientID, validation.Required),
		validation.Field(&req.VisitDate, validation.Required, validation.Date("2006-01-02")),
		validation.Field(&req.ServiceCodeID, validation.Required),
		validation.Field(&req.Status, validation.Required, validation.In(
			string(domain.StatusDraft),
			string(domain.StatusCompleted),
			string(domain.StatusReviewed),
		)),
		validation.Field(&req.StartTime, validation.Required),
		validation.Field(&req.EndTime, validation.Required),
	)
}

// validateCompletion enforces the justification texts that a completed
// record must carry for its manually flagged conditions.
func (req *VisitRecordRequest) validateCompletion() error {
	longVisit := req.EndTime.Sub(req.StartTime) >= longVisitMinutes*time.Minute
	return validation.ValidateStruct(req,
		validation.Field(&req.EmergencyVisitReason,
			validation.Required.When(req.HasEmergencyVisit).Error("required when hasEmergencyVisit is set")),
		validation.Field(&req.MultipleVisitReason,
			validation.Required.When(req.IsSecondVisit).Error("required when isSecondVisit is set")),
		validation.Field(&req.LongVisitReason,
			validation.Required.When(longVisit).Error("required for visits of 90 minutes or longer")),
	)
}

func (req *VisitRecordRequest) toRecord(tenantID, recordID string) *domain.VisitRecord {
	now := time.Now().UTC()
	return &domain.VisitRecord{
		ID:                     recordID,
		TenantID:               tenantID,
		PatientID:              req.PatientID,
		VisitDate:              req.VisitDate,
		StartTime:              req.StartTime,
		EndTime:                req.EndTime,
		Status:                 domain.RecordStatus(req.Status),
		ServiceCodeID:          req.ServiceCodeID,
		VisitLocationCode:      req.VisitLocationCode,
		StaffQualificationCode: req.StaffQualificationCode,
		Vitals:                 req.Vitals,
		CareProvided:           req.CareProvided,
		PatientCondition:       req.PatientCondition,
		IsSecondVisit:          req.IsSecondVisit,
		IsDischargeDate:        req.IsDischargeDate,
		IsFirstVisitOfPlan:     req.IsFirstVisitOfPlan,
		HasCollaborationRecord: req.HasCollaborationRecord,
		IsTerminalCare:         req.IsTerminalCare,
		HasEmergencyVisit:      req.HasEmergencyVisit,
		SpecialistCareType:     req.SpecialistCareType,
		MultipleVisitReason:    req.MultipleVisitReason,
		EmergencyVisitReason:   req.EmergencyVisitReason,
		LongVisitReason:        req.LongVisitReason,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// SaveRecordResponse is the response for record saves.
type SaveRecordResponse struct {
	Record       *domain.VisitRecord       `json:"record"`
	BilledAmount string                    `json:"billedAmount,omitempty"`
	Degraded     bool                      `json:"degraded,omitempty"`
	Metadata     domain.EvaluationMetadata `json:"metadata"`
}

// CreateRecord handles POST /api/nursing-records.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	h.saveRecord(w, r, uuid.New().String(), http.StatusCreated)
}

// UpdateRecord handles PUT /api/nursing-records/{id}. The full billing evaluation is
// re-run against current history; results from the previous save are
// discarded, never incrementally updated.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "id")
	if recordID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "record id is required",
		})
		return
	}

	if _, err := h.repo.GetVisitRecord(r.Context(), GetTenantID(r.Context()), recordID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "record not found",
		})
		return
	}

	h.saveRecord(w, r, recordID, http.StatusOK)
}

func (h *Handler) saveRecord(w http.ResponseWriter, r *http.Request, recordID string, okStatus int) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req VisitRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": err,
		})
		return
	}

	if !req.EndTime.After(req.StartTime) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "endTime must be after startTime",
		})
		return
	}

	if req.Status != string(domain.StatusDraft) {
		if err := req.validateCompletion(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "completion validation failed",
				"fields": err,
			})
			return
		}
	}

	rec := req.toRecord(tenantID, recordID)

	lock := h.lockFor(tenantID, rec.PatientID)
	lock.Lock()
	defer lock.Unlock()

	result, err := h.engine.Evaluate(ctx, tenantID, rec)
	if err != nil {
		slog.Error("billing evaluation failed",
			"record_id", recordID,
			"tenant_id", tenantID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "billing evaluation failed",
		})
		return
	}
	result.Metadata.TraceID = traceID

	result.Apply(rec)

	if err := h.repo.SaveVisitRecord(ctx, tenantID, rec); err != nil {
		slog.Error("failed to save visit record",
			"record_id", recordID,
			"tenant_id", tenantID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save record",
		})
		return
	}

	if h.cache != nil {
		_, _ = h.cache.IncrementCounter(ctx, tenantID, "evaluations", 24*time.Hour)
	}

	if h.bus != nil {
		payload, _ := json.Marshal(rec)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicRecordSaved, payload); err != nil {
			slog.Error("failed to publish record saved event",
				"record_id", recordID,
				"error", err,
			)
		}

		if result.Degraded || result.Alerted() {
			alertPayload, _ := json.Marshal(map[string]any{
				"recordId":  recordID,
				"patientId": rec.PatientID,
				"alerts":    result.Alerts,
				"degraded":  result.Degraded,
			})
			if err := h.bus.Publish(ctx, tenantID, domain.TopicAlertRaised, alertPayload); err != nil {
				slog.Error("failed to publish alert event",
					"record_id", recordID,
					"error", err,
				)
			}
		}
	}

	writeJSON(w, okStatus, SaveRecordResponse{
		Record:       rec,
		BilledAmount: result.BilledAmount,
		Degraded:     result.Degraded,
		Metadata:     result.Metadata,
	})
}

// GetRecord handles GET /api/nursing-records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	recordID := chi.URLParam(r, "id")

	if recordID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "record id is required",
		})
		return
	}

	rec, err := h.repo.GetVisitRecord(ctx, tenantID, recordID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "record not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ListRecords handles GET /api/nursing-records. Filter by patientId (with optional
// dateFrom/dateTo bounds) or by status.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	patientID := r.URL.Query().Get("patientId")
	status := r.URL.Query().Get("status")

	var records []*domain.VisitRecord
	var err error

	switch {
	case patientID != "":
		records, err = h.repo.ListVisitRecordsByPatient(ctx, tenantID, patientID,
			r.URL.Query().Get("dateFrom"), r.URL.Query().Get("dateTo"))
	case status != "":
		records, err = h.repo.ListVisitRecordsByStatus(ctx, tenantID, domain.RecordStatus(status))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "patientId or status query parameter is required",
		})
		return
	}

	if err != nil {
		slog.Error("failed to list records", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list records",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// PatientRequest is the request body for PUT /api/patients/{id}.
type PatientRequest struct {
	Name                   string   `json:"name"`
	InsuranceType          string   `json:"insuranceType"`
	SpecialManagementTypes []string `json:"specialManagementTypes,omitempty"`
	CertificationStart     string   `json:"certificationStart,omitempty"`
	CertificationEnd       string   `json:"certificationEnd,omitempty"`
}

func (req *PatientRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Name, validation.Required),
		validation.Field(&req.InsuranceType, validation.Required, validation.In(
			string(domain.InsuranceMedical),
			string(domain.InsuranceCare),
		)),
		validation.Field(&req.CertificationStart, validation.Date("2006-01-02")),
		validation.Field(&req.CertificationEnd, validation.Date("2006-01-02")),
	)
}

// SavePatient handles PUT /api/patients/{id}.
func (h *Handler) SavePatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	patientID := chi.URLParam(r, "id")

	var req PatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": err,
		})
		return
	}

	p := &domain.Patient{
		ID:                     patientID,
		TenantID:               tenantID,
		Name:                   req.Name,
		InsuranceType:          domain.InsuranceType(req.InsuranceType),
		SpecialManagementTypes: req.SpecialManagementTypes,
		CertificationStart:     req.CertificationStart,
		CertificationEnd:       req.CertificationEnd,
	}

	if err := h.repo.SavePatient(ctx, tenantID, p); err != nil {
		slog.Error("failed to save patient", "patient_id", patientID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save patient",
		})
		return
	}

	// Drop the stale cached lookup so the next evaluation sees the update.
	if h.cache != nil {
		_ = h.cache.Delete(ctx, tenantID, "patient:"+patientID)
	}

	writeJSON(w, http.StatusOK, p)
}

// GetPatient handles GET /api/patients/{id}.
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	patientID := chi.URLParam(r, "id")

	p, err := h.repo.GetPatient(ctx, tenantID, patientID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "patient not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// ServiceCodeRequest is the request body for PUT /api/service-codes/{id}.
type ServiceCodeRequest struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	InsuranceType string `json:"insuranceType"`
	BasePoints    int    `json:"basePoints"`
	Enabled       bool   `json:"enabled"`
}

func (req *ServiceCodeRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Code, validation.Required),
		validation.Field(&req.Name, validation.Required),
		validation.Field(&req.InsuranceType, validation.Required, validation.In(
			string(domain.InsuranceMedical),
			string(domain.InsuranceCare),
		)),
		validation.Field(&req.BasePoints, validation.Required, validation.Min(1)),
	)
}

// SaveServiceCode handles PUT /api/service-codes/{id}.
func (h *Handler) SaveServiceCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	serviceCodeID := chi.URLParam(r, "id")

	var req ServiceCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": err,
		})
		return
	}

	sc := &domain.ServiceCode{
		ID:            serviceCodeID,
		TenantID:      tenantID,
		Code:          req.Code,
		Name:          req.Name,
		InsuranceType: domain.InsuranceType(req.InsuranceType),
		BasePoints:    req.BasePoints,
		Enabled:       req.Enabled,
	}

	if err := h.repo.SaveServiceCode(ctx, tenantID, sc); err != nil {
		slog.Error("failed to save service code", "id", serviceCodeID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save service code",
		})
		return
	}

	writeJSON(w, http.StatusOK, sc)
}

// ListServiceCodes handles GET /api/service-codes.
func (h *Handler) ListServiceCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	codes, err := h.repo.ListServiceCodes(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list service codes", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list service codes",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"serviceCodes": codes,
		"count":        len(codes),
	})
}

// ListBonuses returns the tenant's bonus definitions currently loaded in
// the engine.
func (h *Handler) ListBonuses(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	defs := h.engine.RuleSet().Definitions(tenantID)

	writeJSON(w, http.StatusOK, map[string]any{
		"bonuses": defs,
		"count":   len(defs),
	})
}

// GetBonus retrieves a bonus definition by code.
func (h *Handler) GetBonus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	code := chi.URLParam(r, "code")

	def, err := h.repo.GetBonusDefinition(ctx, tenantID, code)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "bonus not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, def)
}

// CreateBonusRequest is the request body for creating a bonus definition.
type CreateBonusRequest struct {
	Code                      string             `json:"code"`
	Name                      string             `json:"name"`
	InsuranceType             string             `json:"insuranceType"`
	Points                    int                `json:"points"`
	Conditions                []domain.Condition `json:"predefinedConditions"`
	ValidFrom                 string             `json:"validFrom,omitempty"`
	ValidUntil                string             `json:"validUntil,omitempty"`
	MonthlyCap                *int               `json:"monthlyCap,omitempty"`
	ExclusionGroup            string             `json:"exclusionGroup,omitempty"`
	RequiredSpecialManagement string             `json:"requiredSpecialManagement,omitempty"`
	Priority                  int                `json:"priority"`
	Enabled                   bool               `json:"enabled"`
}

func (req *CreateBonusRequest) Validate() error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Code, validation.Required),
		validation.Field(&req.Name, validation.Required),
		validation.Field(&req.InsuranceType, validation.Required, validation.In(
			string(domain.InsuranceMedical),
			string(domain.InsuranceCare),
		)),
		// Negative points are deliberate: deduction-type additions.
		validation.Field(&req.Points, validation.Required),
		validation.Field(&req.ValidFrom, validation.Date("2006-01-02")),
		validation.Field(&req.ValidUntil, validation.Date("2006-01-02")),
	)
}

// CreateBonus creates a new bonus definition. Conditions are compiled up
// front so a broken definition is rejected here instead of being skipped
// at evaluation time. Call POST /api/bonuses/reload to apply.
func (h *Handler) CreateBonus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": err,
		})
		return
	}

	def := &domain.BonusDefinition{
		Code:                      req.Code,
		TenantID:                  tenantID,
		Name:                      req.Name,
		InsuranceType:             domain.InsuranceType(req.InsuranceType),
		Points:                    req.Points,
		Conditions:                req.Conditions,
		ValidFrom:                 req.ValidFrom,
		ValidUntil:                req.ValidUntil,
		MonthlyCap:                req.MonthlyCap,
		ExclusionGroup:            req.ExclusionGroup,
		RequiredSpecialManagement: req.RequiredSpecialManagement,
		Priority:                  req.Priority,
		Enabled:                   req.Enabled,
		Version:                   "1.0.0",
	}

	if err := h.engine.RuleSet().ValidateDefinition(def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid bonus definition: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveBonusDefinition(ctx, tenantID, def); err != nil {
		slog.Error("failed to save bonus definition", "code", def.Code, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save bonus definition",
		})
		return
	}

	slog.Info("bonus definition created", "code", def.Code, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"bonus":   def,
		"message": "Bonus created. Call POST /api/bonuses/reload to apply changes.",
	})
}

// ReloadBonuses reloads the tenant's bonus master from the database into
// the engine and notifies workers so draft records get re-evaluated.
func (h *Handler) ReloadBonuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	defs, err := h.repo.ListBonusDefinitions(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list bonus definitions", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load bonus definitions",
		})
		return
	}

	loadErr := h.engine.RuleSet().Load(tenantID, defs)
	count := h.engine.RuleSet().Count(tenantID)

	if h.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"tenantId": tenantID,
			"count":    count,
		})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicMasterReloaded, payload); err != nil {
			slog.Error("failed to publish master reloaded event",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}

	resp := map[string]any{
		"message": "bonus master reloaded",
		"count":   count,
	}
	if loadErr != nil {
		// Broken definitions were skipped; the rest are live.
		resp["warnings"] = loadErr.Error()
	}

	slog.Info("bonus master reloaded", "tenant_id", tenantID, "count", count)
	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
