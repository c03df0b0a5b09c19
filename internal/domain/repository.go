package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Visit record operations
	SaveVisitRecord(ctx context.Context, tenantID string, rec *VisitRecord) error
	GetVisitRecord(ctx context.Context, tenantID string, recordID string) (*VisitRecord, error)
	ListVisitRecordsByPatient(ctx context.Context, tenantID string, patientID string, dateFrom, dateTo string) ([]*VisitRecord, error)
	ListVisitRecordsByStatus(ctx context.Context, tenantID string, status RecordStatus) ([]*VisitRecord, error)

	// Aggregation queries used by the evaluation context.
	// CountVisitsOnDate counts completed visits for a patient on a calendar
	// date, excluding excludeID (the in-flight record on update).
	CountVisitsOnDate(ctx context.Context, tenantID string, patientID string, visitDate string, excludeID string) (int, error)

	// CountBonusInMonth counts applied-bonus occurrences for a patient and
	// bonus code in a calendar month ("2006-01"), excluding excludeID.
	CountBonusInMonth(ctx context.Context, tenantID string, patientID string, bonusCode string, month string, excludeID string) (int, error)

	// Patient operations
	SavePatient(ctx context.Context, tenantID string, p *Patient) error
	GetPatient(ctx context.Context, tenantID string, patientID string) (*Patient, error)

	// Service code master
	SaveServiceCode(ctx context.Context, tenantID string, sc *ServiceCode) error
	GetServiceCode(ctx context.Context, tenantID string, serviceCodeID string) (*ServiceCode, error)
	ListServiceCodes(ctx context.Context, tenantID string) ([]*ServiceCode, error)

	// Bonus master
	SaveBonusDefinition(ctx context.Context, tenantID string, def *BonusDefinition) error
	GetBonusDefinition(ctx context.Context, tenantID string, code string) (*BonusDefinition, error)
	ListBonusDefinitions(ctx context.Context, tenantID string) ([]*BonusDefinition, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
