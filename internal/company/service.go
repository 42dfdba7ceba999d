package company

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/company/domain"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UpdatePatch carries the mutable company fields. ID and Timezone are
// immutable; patches naming them are rejected and audited.
type UpdatePatch struct {
	Name              *string  `json:"name,omitempty"`
	Currency          *string  `json:"currency,omitempty"`
	DefaultHourlyRate *float64 `json:"defaultHourlyRate,omitempty"`

	ID       *string `json:"id,omitempty"`
	Timezone *string `json:"timezone,omitempty"`
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Authz authorization.Service
	Audit auditdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	authz authorization.Service
	audit auditdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("company.service"),
		clock: p.Clock,
		authz: p.Authz,
		audit: p.Audit,
	}
}

var Module = fx.Module("company",
	fx.Provide(NewService),
)

// Get returns the caller's company.
func (s *Service) Get(ctx context.Context) (*domain.Company, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionCompanyView); err != nil {
		return nil, err
	}
	return s.load(ctx, principal.CompanyID)
}

// Update patches the caller's company.
func (s *Service) Update(ctx context.Context, patch UpdatePatch) (*domain.Company, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionCompanyUpdate); err != nil {
		return nil, err
	}

	if patch.ID != nil || patch.Timezone != nil {
		field := "timezone"
		if patch.ID != nil {
			field = "id"
		}
		uid := principal.UID
		companyID := principal.CompanyID.String()
		s.audit.Record(ctx, auditdomain.Entry{
			CompanyID:  &principal.CompanyID,
			EventType:  auditdomain.EventCompanyIDChangeAttempt,
			ActorType:  "user",
			ActorUID:   &uid,
			TargetType: "company",
			TargetID:   &companyID,
			Metadata:   map[string]any{"field": field},
		})
		return nil, apperr.InvalidArgument("immutable_field", "company "+field+" cannot change")
	}

	company, err := s.load(ctx, principal.CompanyID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, apperr.InvalidArgument("missing_name", "name cannot be empty")
		}
		updates["name"] = *patch.Name
	}
	if patch.Currency != nil {
		updates["currency"] = *patch.Currency
	}
	if patch.DefaultHourlyRate != nil {
		if *patch.DefaultHourlyRate < 0 {
			return nil, apperr.InvalidArgument("negative_rate", "defaultHourlyRate cannot be negative")
		}
		updates["default_hourly_rate"] = *patch.DefaultHourlyRate
	}
	if len(updates) == 0 {
		return company, nil
	}

	if err := s.db.WithContext(ctx).Model(&domain.Company{}).
		Where("id = ?", company.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.load(ctx, principal.CompanyID)
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), authorization.ObjectCompany, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not manage the company")
	}
	return err
}

func (s *Service) load(ctx context.Context, companyID snowflake.ID) (*domain.Company, error) {
	var company domain.Company
	err := s.db.WithContext(ctx).Where("id = ?", companyID).First(&company).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("company_not_found", "company does not exist")
	}
	if err != nil {
		return nil, err
	}
	return &company, nil
}
