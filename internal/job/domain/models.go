// Package domain contains persistence models for job sites.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/pkg/apperr"
)

type Environment string

const (
	EnvironmentUrban    Environment = "urban"
	EnvironmentSuburban Environment = "suburban"
	EnvironmentRural    Environment = "rural"
)

const (
	MinRadiusMeters = 75.0
	MaxRadiusMeters = 250.0
)

// DefaultRadiusMeters returns the fence radius applied when a job carries
// none, keyed by site environment.
func DefaultRadiusMeters(env Environment) float64 {
	switch env {
	case EnvironmentUrban:
		return 100
	case EnvironmentRural:
		return 250
	default:
		return 150
	}
}

// ValidateRadius enforces the permitted fence range, inclusive on both
// ends.
func ValidateRadius(radiusMeters float64) error {
	if radiusMeters < MinRadiusMeters || radiusMeters > MaxRadiusMeters {
		return apperr.Newf(apperr.CodeInvalidArgument, "radius_out_of_range",
			"radiusMeters must be between %.0f and %.0f, got %.0f",
			MinRadiusMeters, MaxRadiusMeters, radiusMeters)
	}
	return nil
}

// Job is a tenant-scoped work site with a geofence.
type Job struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID    snowflake.ID `gorm:"not null;index" json:"companyId"`
	Name         string       `gorm:"type:text;not null" json:"name"`
	Lat          float64      `gorm:"not null" json:"lat"`
	Lng          float64      `gorm:"not null" json:"lng"`
	Address      string       `gorm:"type:text" json:"address,omitempty"`
	RadiusMeters float64      `gorm:"not null" json:"radiusMeters"`
	Environment  Environment  `gorm:"type:text;not null;default:'suburban'" json:"environment"`
	Active       bool         `gorm:"not null;default:true" json:"active"`
	StartDate    *time.Time   `json:"startDate,omitempty"`
	EndDate      *time.Time   `json:"endDate,omitempty"`
	HourlyRate   *float64     `json:"hourlyRate,omitempty"`
	CreatedAt    time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt    time.Time    `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

var (
	ErrNotFound = errors.New("job_not_found")
)
