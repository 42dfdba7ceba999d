package estimate

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	customerdomain "github.com/paintops/crewclock/internal/customer/domain"
	"github.com/paintops/crewclock/internal/estimate/domain"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type CreateRequest struct {
	CustomerID snowflake.ID `json:"customerId"`
	Amount     float64      `json:"amount"`
	Notes      string       `json:"notes,omitempty"`
}

// transitions lists the allowed status moves. Accepted and declined are
// terminal.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusDraft: {domain.StatusSent, domain.StatusDeclined},
	domain.StatusSent:  {domain.StatusAccepted, domain.StatusDeclined},
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Authz authorization.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	authz authorization.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("estimate.service"),
		genID: p.GenID,
		clock: p.Clock,
		authz: p.Authz,
	}
}

var Module = fx.Module("estimate",
	fx.Provide(NewService),
)

// Create drafts an estimate for an existing customer.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Estimate, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionEstimateManage); err != nil {
		return nil, err
	}
	if req.CustomerID == 0 {
		return nil, apperr.InvalidArgument("missing_customer", "customerId is required")
	}
	if req.Amount < 0 {
		return nil, apperr.InvalidArgument("negative_amount", "amount cannot be negative")
	}

	var count int64
	err = s.db.WithContext(ctx).Model(&customerdomain.Customer{}).
		Where("id = ? AND company_id = ?", req.CustomerID, principal.CompanyID).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, apperr.NotFound("customer_not_found", "customer does not exist in this company")
	}

	now := s.clock.Now()
	estimate := domain.Estimate{
		ID:         s.genID.Generate(),
		CompanyID:  principal.CompanyID,
		CustomerID: req.CustomerID,
		Status:     domain.StatusDraft,
		Amount:     req.Amount,
		Notes:      req.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&estimate).Error; err != nil {
		return nil, err
	}
	return &estimate, nil
}

// UpdateStatus moves an estimate along draft -> sent -> accepted/declined.
func (s *Service) UpdateStatus(ctx context.Context, estimateID snowflake.ID, status domain.Status) (*domain.Estimate, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionEstimateManage); err != nil {
		return nil, err
	}
	estimate, err := s.load(ctx, principal.CompanyID, estimateID)
	if err != nil {
		return nil, err
	}
	if estimate.Status == status {
		return estimate, nil
	}
	if !allowed(estimate.Status, status) {
		return nil, apperr.FailedPrecondition("invalid_transition",
			"estimate cannot move from "+string(estimate.Status)+" to "+string(status))
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Model(&domain.Estimate{}).
		Where("id = ? AND company_id = ?", estimate.ID, principal.CompanyID).
		Updates(map[string]any{"status": status, "updated_at": now}).Error
	if err != nil {
		return nil, err
	}
	estimate.Status = status
	estimate.UpdatedAt = now
	return estimate, nil
}

// Get returns one estimate in the caller's company.
func (s *Service) Get(ctx context.Context, estimateID snowflake.ID) (*domain.Estimate, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionEstimateView); err != nil {
		return nil, err
	}
	return s.load(ctx, principal.CompanyID, estimateID)
}

// List returns the company's estimates, newest first.
func (s *Service) List(ctx context.Context) ([]*domain.Estimate, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionEstimateView); err != nil {
		return nil, err
	}
	var estimates []*domain.Estimate
	err = s.db.WithContext(ctx).
		Where("company_id = ?", principal.CompanyID).
		Order("created_at DESC").
		Find(&estimates).Error
	return estimates, err
}

func allowed(from, to domain.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), authorization.ObjectEstimate, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not access estimates")
	}
	return err
}

func (s *Service) load(ctx context.Context, companyID, estimateID snowflake.ID) (*domain.Estimate, error) {
	var estimate domain.Estimate
	err := s.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", estimateID, companyID).
		First(&estimate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("estimate_not_found", "estimate does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	return &estimate, nil
}
