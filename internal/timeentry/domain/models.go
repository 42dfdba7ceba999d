// Package domain contains the canonical timekeeping records. Time entries
// are engine-write-only: clients never create, update or delete them
// directly.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusFlagged  Status = "flagged"
	StatusDisputed Status = "disputed"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusPending, StatusApproved, StatusFlagged, StatusDisputed:
		return true
	}
	return false
}

// Exception tags record rule violations that were captured without
// aborting the transaction.
const (
	TagGeofenceIn     = "geofence_in"
	TagGeofenceOut    = "geofence_out"
	TagOverlap        = "overlap"
	TagAutoClockout   = "auto_clockout"
	TagExceeds12h     = "exceeds_12h"
	TagGPSMissing     = "gps_missing"
	TagGPSLowAccuracy = "gps_low_accuracy"
)

func ValidTag(tag string) bool {
	switch tag {
	case TagGeofenceIn, TagGeofenceOut, TagOverlap, TagAutoClockout,
		TagExceeds12h, TagGPSMissing, TagGPSLowAccuracy:
		return true
	}
	return false
}

// Location is a captured device position.
type Location struct {
	Lat            float64  `json:"lat"`
	Lng            float64  `json:"lng"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty"`
}

// AuditRecord is one edit applied to a time entry. Appended to the entry's
// audit log and mirrored to the security audit collection.
type AuditRecord struct {
	EditedBy string                       `json:"editedBy"`
	EditedAt time.Time                    `json:"editedAt"`
	Reason   string                       `json:"reason"`
	Changes  map[string]FieldChange       `json:"changes,omitempty"`
}

type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// TimeEntry is the canonical time record. CompanyID, UserID, ClockInAt and
// ClientEventID are immutable once persisted; the whole entity freezes
// once InvoiceID is set (except the invoice-linked fields written by the
// invoice builder in the same transaction).
type TimeEntry struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID snowflake.ID `gorm:"not null;index:idx_te_active,priority:1;index:idx_te_status;index:idx_te_user_in;index:idx_te_invoice" json:"companyId"`
	UserID    string       `gorm:"not null;index:idx_te_active,priority:2;index:idx_te_user_in,priority:2" json:"userId"`
	JobID     snowflake.ID `gorm:"not null;index" json:"jobId"`

	ClockInAt  time.Time  `gorm:"not null;index:idx_te_status,priority:3;index:idx_te_user_in,priority:3" json:"clockInAt"`
	ClockOutAt *time.Time `gorm:"index:idx_te_active,priority:3" json:"clockOutAt,omitempty"`

	ClockInLocation  *datatypes.JSONType[Location] `json:"clockInLocation,omitempty"`
	ClockOutLocation *datatypes.JSONType[Location] `json:"clockOutLocation,omitempty"`

	ClockInGeofenceValid  bool  `gorm:"not null" json:"clockInGeofenceValid"`
	ClockOutGeofenceValid *bool `json:"clockOutGeofenceValid,omitempty"`

	ClientEventID string `gorm:"not null" json:"clientEventId"`
	DeviceID      string `gorm:"type:text" json:"deviceId,omitempty"`

	Status        Status                      `gorm:"type:text;not null;index:idx_te_status,priority:2" json:"status"`
	ExceptionTags datatypes.JSONSlice[string] `json:"exceptionTags"`
	NeedsReview   bool                        `gorm:"not null;default:false" json:"needsReview"`

	ApprovedBy *string    `json:"approvedBy,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`

	InvoiceID  *snowflake.ID `gorm:"index:idx_te_invoice,priority:2" json:"invoiceId,omitempty"`
	InvoicedAt *time.Time    `json:"invoicedAt,omitempty"`

	Notes     string                           `gorm:"type:text" json:"notes,omitempty"`
	Encrypted datatypes.JSONSlice[string]      `gorm:"column:_encrypted" json:"_encrypted,omitempty"`
	AuditLog  datatypes.JSONSlice[AuditRecord] `json:"auditLog"`

	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name. The wire collection name stays
// timeEntries.
func (TimeEntry) TableName() string { return "time_entries" }

// IsActive reports whether the entry is an open shift.
func (e TimeEntry) IsActive() bool { return e.ClockOutAt == nil }

// Invoiced reports whether the entry has been locked by an invoice.
func (e TimeEntry) Invoiced() bool { return e.InvoiceID != nil && *e.InvoiceID != 0 }

// HasTag reports whether tag is present.
func (e TimeEntry) HasTag(tag string) bool {
	for _, t := range e.ExceptionTags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends tag if absent; the tag set is idempotent.
func AddTag(tags datatypes.JSONSlice[string], tag string) datatypes.JSONSlice[string] {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

// ImmutableFields are the entry fields that can never change after the
// first write.
var ImmutableFields = map[string]bool{
	"id":            true,
	"companyId":     true,
	"userId":        true,
	"clockInAt":     true,
	"clientEventId": true,
	"createdAt":     true,
}

// ClockEventType distinguishes in/out events.
type ClockEventType string

const (
	ClockEventIn  ClockEventType = "in"
	ClockEventOut ClockEventType = "out"
)

// ClockEvent is the append-only audit trail of raw client submissions.
// Canonical timekeeping state lives in TimeEntry.
type ClockEvent struct {
	ID            snowflake.ID                  `gorm:"primaryKey" json:"id"`
	CompanyID     snowflake.ID                  `gorm:"not null;index" json:"companyId"`
	UserID        string                        `gorm:"not null;index" json:"userId"`
	JobID         snowflake.ID                  `gorm:"not null" json:"jobId"`
	TimeEntryID   snowflake.ID                  `gorm:"not null;index" json:"timeEntryId"`
	Type          ClockEventType                `gorm:"type:text;not null" json:"type"`
	ClientEventID string                        `gorm:"not null" json:"clientEventId"`
	Location      *datatypes.JSONType[Location] `json:"location,omitempty"`
	DeviceID      string                        `gorm:"type:text" json:"deviceId,omitempty"`
	At            time.Time                     `gorm:"not null" json:"at"`
	CreatedAt     time.Time                     `gorm:"not null" json:"createdAt"`
}

// TableName sets the database table name.
func (ClockEvent) TableName() string { return "clock_events" }
