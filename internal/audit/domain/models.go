// Package domain defines the security audit trail. Entries are written by
// the engine only and are immutable once persisted.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Security event types. ERROR and CRITICAL events page; WARN events feed
// review queues.
const (
	EventRoleChanged             = "role_changed"
	EventClaimsUpdated           = "claims_updated"
	EventCrossTenantAccess       = "cross_tenant_access_attempt"
	EventCompanyIDChangeAttempt  = "company_id_change_attempt"
	EventTimeEntryManipulation   = "time_entry_manipulation"
	EventInvoiceFraudAttempt     = "invoice_fraud_attempt"
	EventMassDataExport          = "mass_data_export"
	EventAuthorizationDenied     = "authorization_denied"
	EventTimeEntryEdited         = "time_entry_edited"
	EventTimeEntryAutoClockedOut = "time_entry_auto_clocked_out"
)

const (
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// DefaultSeverity maps an event type to the severity it carries unless the
// writer overrides it.
func DefaultSeverity(eventType string) string {
	switch eventType {
	case EventCrossTenantAccess, EventCompanyIDChangeAttempt, EventTimeEntryManipulation:
		return SeverityError
	case EventInvoiceFraudAttempt:
		return SeverityCritical
	case EventMassDataExport, EventAuthorizationDenied:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// SecurityEvent is one row in the audit trail.
type SecurityEvent struct {
	ID        snowflake.ID  `gorm:"primaryKey" json:"id"`
	CompanyID *snowflake.ID `gorm:"index:idx_audit_company,priority:1" json:"companyId,omitempty"`

	EventType string  `gorm:"not null;index" json:"eventType"`
	Severity  string  `gorm:"not null;index" json:"severity"`
	ActorType string  `gorm:"not null" json:"actorType"`
	ActorUID  *string `json:"actorUid,omitempty"`

	TargetType string  `gorm:"not null" json:"targetType"`
	TargetID   *string `json:"targetId,omitempty"`

	Metadata  datatypes.JSONMap `json:"metadata"`
	IPAddress *string           `json:"ipAddress,omitempty"`
	UserAgent *string           `json:"userAgent,omitempty"`

	CreatedAt time.Time `gorm:"not null;index:idx_audit_company,priority:2" json:"createdAt"`
}

// TableName sets the database table name.
func (SecurityEvent) TableName() string { return "security_audit_logs" }

// ListFilter narrows a security event query. Limit is capped by the
// service.
type ListFilter struct {
	CompanyID snowflake.ID
	EventType string
	ActorUID  string
	StartAt   *time.Time
	EndAt     *time.Time
	Limit     int
}

type Repository interface {
	Insert(ctx context.Context, entry *SecurityEvent) error
	List(ctx context.Context, filter ListFilter) ([]*SecurityEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Entry is the write-side shape handed to the service. An empty Severity
// falls back to DefaultSeverity for the event type.
type Entry struct {
	CompanyID *snowflake.ID
	EventType string
	Severity  string
	ActorType string
	ActorUID  *string

	TargetType string
	TargetID   *string
	Metadata   map[string]any
}

type Service interface {
	// Record writes the event. Failures are logged, never propagated to
	// the business operation that triggered them.
	Record(ctx context.Context, entry Entry)
	List(ctx context.Context, filter ListFilter) ([]*SecurityEvent, error)
}

var (
	ErrInvalidCompany   = errors.New("invalid_company")
	ErrInvalidEventType = errors.New("invalid_event_type")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
