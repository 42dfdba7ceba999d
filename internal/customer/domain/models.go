// Package domain contains persistence models for billing customers.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Customer is the billed party on an invoice. Email and Phone are PII and
// stored envelope-encrypted; Encrypted lists which fields currently hold
// ciphertext.
type Customer struct {
	ID        snowflake.ID                `gorm:"primaryKey" json:"id"`
	CompanyID snowflake.ID                `gorm:"not null;index" json:"companyId"`
	Name      string                      `gorm:"type:text;not null" json:"name"`
	Email     string                      `gorm:"type:text" json:"email,omitempty"`
	Phone     string                      `gorm:"type:text" json:"phone,omitempty"`
	Address   string                      `gorm:"type:text" json:"address,omitempty"`
	Encrypted datatypes.JSONSlice[string] `gorm:"column:_encrypted" json:"_encrypted,omitempty"`
	CreatedAt time.Time                   `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time                   `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

var (
	ErrNotFound = errors.New("customer_not_found")
)
