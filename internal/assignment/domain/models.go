// Package domain contains persistence models for worker-to-job
// assignments.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Assignment grants a worker a clock-in window on a job. The window is
// [StartDate, EndDate]; a nil EndDate is open-ended.
type Assignment struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID snowflake.ID `gorm:"not null;index" json:"companyId"`
	UserID    string       `gorm:"not null;index" json:"userId"`
	JobID     snowflake.ID `gorm:"not null;index" json:"jobId"`
	Active    bool         `gorm:"not null;default:true" json:"active"`
	StartDate time.Time    `gorm:"not null" json:"startDate"`
	EndDate   *time.Time   `json:"endDate,omitempty"`
	Notes     string       `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time    `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Assignment) TableName() string { return "assignments" }

// Covers reports whether the assignment permits a clock-in at now.
func (a Assignment) Covers(now time.Time) bool {
	if !a.Active {
		return false
	}
	if now.Before(a.StartDate) {
		return false
	}
	if a.EndDate != nil && now.After(*a.EndDate) {
		return false
	}
	return true
}

var (
	ErrNotAssigned = errors.New("not_assigned")
)
