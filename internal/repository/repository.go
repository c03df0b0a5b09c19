// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencare/kasan/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const visitRecordColumns = `id, tenant_id, patient_id, visit_date, start_time, end_time, status,
	service_code_id, visit_location_code, staff_qualification_code,
	vitals, care_provided, patient_condition,
	is_second_visit, is_discharge_date, is_first_visit_of_plan,
	has_collaboration_record, is_terminal_care, has_emergency_visit,
	specialist_care_type, multiple_visit_reason, emergency_visit_reason, long_visit_reason,
	base_points, calculated_points, applied_bonuses, has_additional_payment_alert, alerts,
	created_at, updated_at`

// SaveVisitRecord upserts a record and resyncs its applied-bonus rows,
// atomically. The denormalized applied_bonuses rows back monthly-cap
// counting.
func (r *SQLRepository) SaveVisitRecord(ctx context.Context, tenantID string, rec *domain.VisitRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}

	vitals, _ := json.Marshal(rec.Vitals)
	bonuses, _ := json.Marshal(rec.AppliedBonuses)
	alerts, _ := json.Marshal(rec.Alerts)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO visit_records (` + visitRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			visit_date = excluded.visit_date,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			status = excluded.status,
			service_code_id = excluded.service_code_id,
			visit_location_code = excluded.visit_location_code,
			staff_qualification_code = excluded.staff_qualification_code,
			vitals = excluded.vitals,
			care_provided = excluded.care_provided,
			patient_condition = excluded.patient_condition,
			is_second_visit = excluded.is_second_visit,
			is_discharge_date = excluded.is_discharge_date,
			is_first_visit_of_plan = excluded.is_first_visit_of_plan,
			has_collaboration_record = excluded.has_collaboration_record,
			is_terminal_care = excluded.is_terminal_care,
			has_emergency_visit = excluded.has_emergency_visit,
			specialist_care_type = excluded.specialist_care_type,
			multiple_visit_reason = excluded.multiple_visit_reason,
			emergency_visit_reason = excluded.emergency_visit_reason,
			long_visit_reason = excluded.long_visit_reason,
			base_points = excluded.base_points,
			calculated_points = excluded.calculated_points,
			applied_bonuses = excluded.applied_bonuses,
			has_additional_payment_alert = excluded.has_additional_payment_alert,
			alerts = excluded.alerts,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.PatientID, rec.VisitDate, rec.StartTime, rec.EndTime, string(rec.Status),
		rec.ServiceCodeID, rec.VisitLocationCode, rec.StaffQualificationCode,
		string(vitals), rec.CareProvided, rec.PatientCondition,
		boolToInt(rec.IsSecondVisit), boolToInt(rec.IsDischargeDate), boolToInt(rec.IsFirstVisitOfPlan),
		boolToInt(rec.HasCollaborationRecord), boolToInt(rec.IsTerminalCare), boolToInt(rec.HasEmergencyVisit),
		rec.SpecialistCareType, rec.MultipleVisitReason, rec.EmergencyVisitReason, rec.LongVisitReason,
		rec.BasePoints, rec.CalculatedPoints, string(bonuses), boolToInt(rec.HasAdditionalPaymentAlert), string(alerts),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM applied_bonuses WHERE record_id = ? AND tenant_id = ?`), rec.ID, tenantID); err != nil {
		return err
	}

	for _, ab := range rec.AppliedBonuses {
		_, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO applied_bonuses (record_id, tenant_id, patient_id, bonus_code, visit_date, points)
			VALUES (?, ?, ?, ?, ?, ?)
		`), rec.ID, tenantID, rec.PatientID, ab.Code, rec.VisitDate, ab.Points)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetVisitRecord retrieves a record by ID with tenant isolation.
func (r *SQLRepository) GetVisitRecord(ctx context.Context, tenantID string, recordID string) (*domain.VisitRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if recordID == "" {
		return nil, fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}

	query := `SELECT ` + visitRecordColumns + ` FROM visit_records WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, recordID)
	rec, err := scanVisitRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListVisitRecordsByPatient retrieves a patient's records in a date range,
// newest first. Empty bounds are open.
func (r *SQLRepository) ListVisitRecordsByPatient(ctx context.Context, tenantID string, patientID string, dateFrom, dateTo string) ([]*domain.VisitRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + visitRecordColumns + ` FROM visit_records WHERE tenant_id = ? AND patient_id = ?`
	args := []any{tenantID, patientID}

	if dateFrom != "" {
		query += ` AND visit_date >= ?`
		args = append(args, dateFrom)
	}
	if dateTo != "" {
		query += ` AND visit_date <= ?`
		args = append(args, dateTo)
	}
	query += ` ORDER BY visit_date DESC, start_time DESC`

	return r.queryVisitRecords(ctx, query, args...)
}

// ListVisitRecordsByStatus retrieves a tenant's records in a given status.
func (r *SQLRepository) ListVisitRecordsByStatus(ctx context.Context, tenantID string, status domain.RecordStatus) ([]*domain.VisitRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + visitRecordColumns + ` FROM visit_records
		WHERE tenant_id = ? AND status = ?
		ORDER BY visit_date DESC, start_time DESC`

	return r.queryVisitRecords(ctx, query, tenantID, string(status))
}

// CountVisitsOnDate counts a patient's completed visits on a calendar date,
// excluding excludeID so the record being evaluated is never counted twice.
func (r *SQLRepository) CountVisitsOnDate(ctx context.Context, tenantID string, patientID string, visitDate string, excludeID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM visit_records
		WHERE tenant_id = ? AND patient_id = ? AND visit_date = ?
		  AND status = ? AND id != ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, patientID, visitDate, string(domain.StatusCompleted), excludeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count visits: %w", err)
	}

	return count, nil
}

// CountBonusInMonth counts applied-bonus occurrences for a patient and
// bonus code within a calendar month ("2006-01"), excluding excludeID.
func (r *SQLRepository) CountBonusInMonth(ctx context.Context, tenantID string, patientID string, bonusCode string, month string, excludeID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	from, to, err := monthRange(month)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		SELECT COUNT(*) FROM applied_bonuses
		WHERE tenant_id = ? AND patient_id = ? AND bonus_code = ?
		  AND visit_date >= ? AND visit_date < ?
		  AND record_id != ?
	`

	var count int
	err = r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, patientID, bonusCode, from, to, excludeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bonuses: %w", err)
	}

	return count, nil
}

// SavePatient upserts a patient with tenant isolation.
func (r *SQLRepository) SavePatient(ctx context.Context, tenantID string, p *domain.Patient) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	smTypes, _ := json.Marshal(p.SpecialManagementTypes)
	now := time.Now().UTC()

	query := `
		INSERT INTO patients (
			id, tenant_id, name, insurance_type, special_management_types,
			certification_start, certification_end, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			insurance_type = excluded.insurance_type,
			special_management_types = excluded.special_management_types,
			certification_start = excluded.certification_start,
			certification_end = excluded.certification_end,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, tenantID, p.Name, string(p.InsuranceType), string(smTypes),
		p.CertificationStart, p.CertificationEnd, now, now,
	)
	return err
}

// GetPatient retrieves a patient by ID with tenant isolation.
func (r *SQLRepository) GetPatient(ctx context.Context, tenantID string, patientID string) (*domain.Patient, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, insurance_type, special_management_types,
		       certification_start, certification_end, created_at, updated_at
		FROM patients
		WHERE tenant_id = ? AND id = ?
	`

	var p domain.Patient
	var insurance, smTypes string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, patientID).Scan(
		&p.ID, &p.TenantID, &p.Name, &insurance, &smTypes,
		&p.CertificationStart, &p.CertificationEnd, &p.CreatedAt, &p.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.InsuranceType = domain.InsuranceType(insurance)
	if err := json.Unmarshal([]byte(smTypes), &p.SpecialManagementTypes); err != nil {
		return nil, fmt.Errorf("failed to parse special management types: %w", err)
	}

	return &p, nil
}

// SaveServiceCode upserts a service code with tenant isolation.
func (r *SQLRepository) SaveServiceCode(ctx context.Context, tenantID string, sc *domain.ServiceCode) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO service_codes (
			id, tenant_id, code, name, insurance_type, base_points, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			insurance_type = excluded.insurance_type,
			base_points = excluded.base_points,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		sc.ID, tenantID, sc.Code, sc.Name, string(sc.InsuranceType),
		sc.BasePoints, boolToInt(sc.Enabled), now, now,
	)
	return err
}

// GetServiceCode retrieves an enabled service code with tenant isolation.
func (r *SQLRepository) GetServiceCode(ctx context.Context, tenantID string, serviceCodeID string) (*domain.ServiceCode, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, code, name, insurance_type, base_points, enabled
		FROM service_codes
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	var sc domain.ServiceCode
	var insurance string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, serviceCodeID).Scan(
		&sc.ID, &sc.TenantID, &sc.Code, &sc.Name, &insurance, &sc.BasePoints, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sc.InsuranceType = domain.InsuranceType(insurance)
	sc.Enabled = enabled == 1

	return &sc, nil
}

// ListServiceCodes retrieves all enabled service codes for a tenant.
func (r *SQLRepository) ListServiceCodes(ctx context.Context, tenantID string) ([]*domain.ServiceCode, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, code, name, insurance_type, base_points, enabled
		FROM service_codes
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []*domain.ServiceCode
	for rows.Next() {
		var sc domain.ServiceCode
		var insurance string
		var enabled int

		if err := rows.Scan(&sc.ID, &sc.TenantID, &sc.Code, &sc.Name, &insurance, &sc.BasePoints, &enabled); err != nil {
			return nil, err
		}

		sc.InsuranceType = domain.InsuranceType(insurance)
		sc.Enabled = enabled == 1
		codes = append(codes, &sc)
	}

	return codes, rows.Err()
}

// SaveBonusDefinition upserts a bonus master entry with tenant isolation.
func (r *SQLRepository) SaveBonusDefinition(ctx context.Context, tenantID string, def *domain.BonusDefinition) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	conditions, _ := json.Marshal(def.Conditions)
	now := time.Now().UTC()

	version := def.Version
	if version == "" {
		version = "1.0.0"
	}

	query := `
		INSERT INTO bonus_definitions (
			code, tenant_id, name, insurance_type, points, conditions,
			valid_from, valid_until, monthly_cap, exclusion_group,
			required_special_management, priority, enabled, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			insurance_type = excluded.insurance_type,
			points = excluded.points,
			conditions = excluded.conditions,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			monthly_cap = excluded.monthly_cap,
			exclusion_group = excluded.exclusion_group,
			required_special_management = excluded.required_special_management,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		def.Code, tenantID, def.Name, string(def.InsuranceType), def.Points, string(conditions),
		def.ValidFrom, def.ValidUntil, def.MonthlyCap, def.ExclusionGroup,
		def.RequiredSpecialManagement, def.Priority, boolToInt(def.Enabled), version,
		now, now,
	)
	return err
}

// GetBonusDefinition retrieves the latest enabled definition for a code.
func (r *SQLRepository) GetBonusDefinition(ctx context.Context, tenantID string, code string) (*domain.BonusDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := bonusDefinitionSelect + `
		WHERE tenant_id = ? AND code = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, code)
	def, err := scanBonusDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return def, err
}

// ListBonusDefinitions retrieves all enabled definitions for a tenant.
func (r *SQLRepository) ListBonusDefinitions(ctx context.Context, tenantID string) ([]*domain.BonusDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := bonusDefinitionSelect + `
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY priority, code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*domain.BonusDefinition
	for rows.Next() {
		def, err := scanBonusDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return defs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

const bonusDefinitionSelect = `
	SELECT code, tenant_id, name, insurance_type, points, conditions,
	       valid_from, valid_until, monthly_cap, exclusion_group,
	       required_special_management, priority, enabled, version,
	       created_at, updated_at
	FROM bonus_definitions
`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBonusDefinition(s scanner) (*domain.BonusDefinition, error) {
	var def domain.BonusDefinition
	var insurance, conditions string
	var monthlyCap sql.NullInt64
	var enabled int

	err := s.Scan(
		&def.Code, &def.TenantID, &def.Name, &insurance, &def.Points, &conditions,
		&def.ValidFrom, &def.ValidUntil, &monthlyCap, &def.ExclusionGroup,
		&def.RequiredSpecialManagement, &def.Priority, &enabled, &def.Version,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	def.InsuranceType = domain.InsuranceType(insurance)
	def.Enabled = enabled == 1
	if monthlyCap.Valid {
		cap := int(monthlyCap.Int64)
		def.MonthlyCap = &cap
	}
	if err := json.Unmarshal([]byte(conditions), &def.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse conditions for %s: %w", def.Code, err)
	}

	return &def, nil
}

func (r *SQLRepository) queryVisitRecords(ctx context.Context, query string, args ...any) ([]*domain.VisitRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.VisitRecord
	for rows.Next() {
		rec, err := scanVisitRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func scanVisitRecord(s scanner) (*domain.VisitRecord, error) {
	var rec domain.VisitRecord
	var status, vitals, bonuses, alerts string
	var secondVisit, discharge, firstOfPlan, collaboration, terminal, emergency, alertFlag int

	err := s.Scan(
		&rec.ID, &rec.TenantID, &rec.PatientID, &rec.VisitDate, &rec.StartTime, &rec.EndTime, &status,
		&rec.ServiceCodeID, &rec.VisitLocationCode, &rec.StaffQualificationCode,
		&vitals, &rec.CareProvided, &rec.PatientCondition,
		&secondVisit, &discharge, &firstOfPlan,
		&collaboration, &terminal, &emergency,
		&rec.SpecialistCareType, &rec.MultipleVisitReason, &rec.EmergencyVisitReason, &rec.LongVisitReason,
		&rec.BasePoints, &rec.CalculatedPoints, &bonuses, &alertFlag, &alerts,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.RecordStatus(status)
	rec.IsSecondVisit = secondVisit == 1
	rec.IsDischargeDate = discharge == 1
	rec.IsFirstVisitOfPlan = firstOfPlan == 1
	rec.HasCollaborationRecord = collaboration == 1
	rec.IsTerminalCare = terminal == 1
	rec.HasEmergencyVisit = emergency == 1
	rec.HasAdditionalPaymentAlert = alertFlag == 1

	if vitals != "" {
		json.Unmarshal([]byte(vitals), &rec.Vitals)
	}
	if bonuses != "" {
		json.Unmarshal([]byte(bonuses), &rec.AppliedBonuses)
	}
	if alerts != "" && alerts != "null" {
		json.Unmarshal([]byte(alerts), &rec.Alerts)
	}

	return &rec, nil
}

// monthRange converts "2006-01" to its half-open date range
// ["2006-01-01", "2006-02-01"). Monthly caps reset on the calendar month.
func monthRange(month string) (string, string, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return "", "", fmt.Errorf("invalid month %q", month)
	}
	return t.Format("2006-01-02"), t.AddDate(0, 1, 0).Format("2006-01-02"), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
