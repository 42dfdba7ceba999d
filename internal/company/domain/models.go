// Package domain contains persistence models for companies.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Company is the tenant root. ID and Timezone are immutable after
// creation.
type Company struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	Name              string       `gorm:"type:text;not null" json:"name"`
	Timezone          string       `gorm:"type:text;not null" json:"timezone"`
	Currency          string       `gorm:"type:text;not null;default:'USD'" json:"currency"`
	DefaultHourlyRate *float64     `json:"defaultHourlyRate,omitempty"`
	CreatedAt         time.Time    `gorm:"not null" json:"createdAt"`
}

// TableName sets the database table name.
func (Company) TableName() string { return "companies" }

var (
	ErrNotFound = errors.New("company_not_found")
)
