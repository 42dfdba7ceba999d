// Package domain contains persistence models for workforce users. The
// identity provider is external; this is the projection the engine binds
// claims against.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// User binds an external identity (UID) to a company and role. UID is
// immutable; CompanyID is immutable after the first bind and any change
// attempt is a critical security event.
type User struct {
	UID         string                     `gorm:"primaryKey" json:"uid"`
	CompanyID   snowflake.ID               `gorm:"not null;index" json:"companyId"`
	Role        string                     `gorm:"type:text;not null;default:'worker'" json:"role"`
	DisplayName string                     `gorm:"type:text" json:"displayName,omitempty"`
	Phone       string                     `gorm:"type:text" json:"phone,omitempty"`
	Encrypted   datatypes.JSONSlice[string] `gorm:"column:_encrypted" json:"_encrypted,omitempty"`
	CreatedAt   time.Time                  `gorm:"not null" json:"createdAt"`
	UpdatedAt   time.Time                  `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

var (
	ErrNotFound = errors.New("user_not_found")
)
