// Package domain contains persistence models for estimates. Estimates are
// referenced by the authorization matrix and the retention policy; the
// quoting workflow itself lives with the clients.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusSent     Status = "sent"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

type Estimate struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID  snowflake.ID `gorm:"not null;index" json:"companyId"`
	CustomerID snowflake.ID `gorm:"not null;index" json:"customerId"`
	Status     Status       `gorm:"type:text;not null;default:'draft'" json:"status"`
	Amount     float64      `gorm:"not null;default:0" json:"amount"`
	Notes      string       `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt  time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Estimate) TableName() string { return "estimates" }
