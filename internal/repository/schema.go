package repository

// Schema definitions for the kasan database.
// Compatible with both SQLite and PostgreSQL.

const schemaPatients = `
CREATE TABLE IF NOT EXISTS patients (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    insurance_type TEXT NOT NULL,
    special_management_types TEXT NOT NULL,
    certification_start TEXT,
    certification_end TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_patients_tenant ON patients(tenant_id);
`

const schemaServiceCodes = `
CREATE TABLE IF NOT EXISTS service_codes (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    insurance_type TEXT NOT NULL,
    base_points INTEGER NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_service_codes_tenant ON service_codes(tenant_id);
`

const schemaBonusDefinitions = `
CREATE TABLE IF NOT EXISTS bonus_definitions (
    code TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    insurance_type TEXT NOT NULL,
    points INTEGER NOT NULL,
    conditions TEXT NOT NULL,
    valid_from TEXT,
    valid_until TEXT,
    monthly_cap INTEGER,
    exclusion_group TEXT,
    required_special_management TEXT,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (code, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_bonus_definitions_tenant ON bonus_definitions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_bonus_definitions_enabled ON bonus_definitions(tenant_id, enabled);
`

const schemaVisitRecords = `
CREATE TABLE IF NOT EXISTS visit_records (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    visit_date TEXT NOT NULL,
    start_time TIMESTAMP,
    end_time TIMESTAMP,
    status TEXT NOT NULL,
    service_code_id TEXT NOT NULL,
    visit_location_code TEXT,
    staff_qualification_code TEXT,
    vitals TEXT,
    care_provided TEXT,
    patient_condition TEXT,
    is_second_visit INTEGER NOT NULL DEFAULT 0,
    is_discharge_date INTEGER NOT NULL DEFAULT 0,
    is_first_visit_of_plan INTEGER NOT NULL DEFAULT 0,
    has_collaboration_record INTEGER NOT NULL DEFAULT 0,
    is_terminal_care INTEGER NOT NULL DEFAULT 0,
    has_emergency_visit INTEGER NOT NULL DEFAULT 0,
    specialist_care_type TEXT,
    multiple_visit_reason TEXT,
    emergency_visit_reason TEXT,
    long_visit_reason TEXT,
    base_points INTEGER NOT NULL DEFAULT 0,
    calculated_points INTEGER NOT NULL DEFAULT 0,
    applied_bonuses TEXT NOT NULL DEFAULT '[]',
    has_additional_payment_alert INTEGER NOT NULL DEFAULT 0,
    alerts TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_visit_records_tenant ON visit_records(tenant_id);
CREATE INDEX IF NOT EXISTS idx_visit_records_patient_date ON visit_records(tenant_id, patient_id, visit_date);
CREATE INDEX IF NOT EXISTS idx_visit_records_status ON visit_records(tenant_id, status);
`

// schemaAppliedBonuses denormalizes granted bonuses into their own rows so
// monthly-cap counting stays a plain indexed COUNT on both drivers instead
// of a JSON scan. Rows are replaced together with their record.
const schemaAppliedBonuses = `
CREATE TABLE IF NOT EXISTS applied_bonuses (
    record_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    bonus_code TEXT NOT NULL,
    visit_date TEXT NOT NULL,
    points INTEGER NOT NULL,
    PRIMARY KEY (record_id, bonus_code)
);

CREATE INDEX IF NOT EXISTS idx_applied_bonuses_month ON applied_bonuses(tenant_id, patient_id, bonus_code, visit_date);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPatients,
		schemaServiceCodes,
		schemaBonusDefinitions,
		schemaVisitRecords,
		schemaAppliedBonuses,
	}
}
