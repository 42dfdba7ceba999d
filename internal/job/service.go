package job

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/job/domain"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type CreateRequest struct {
	Name         string             `json:"name"`
	Lat          float64            `json:"lat"`
	Lng          float64            `json:"lng"`
	Address      string             `json:"address,omitempty"`
	RadiusMeters float64            `json:"radiusMeters,omitempty"`
	Environment  domain.Environment `json:"environment,omitempty"`
	HourlyRate   *float64           `json:"hourlyRate,omitempty"`
	StartDate    *time.Time         `json:"startDate,omitempty"`
	EndDate      *time.Time         `json:"endDate,omitempty"`
}

type UpdatePatch struct {
	Name         *string    `json:"name,omitempty"`
	Address      *string    `json:"address,omitempty"`
	RadiusMeters *float64   `json:"radiusMeters,omitempty"`
	HourlyRate   *float64   `json:"hourlyRate,omitempty"`
	Active       *bool      `json:"active,omitempty"`
	EndDate      *time.Time `json:"endDate,omitempty"`
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
		log:   p.Log.Named("job.service"),
		genID: p.GenID,
		clock: p.Clock,
		authz: p.Authz,
	}
}

var Module = fx.Module("job",
	fx.Provide(NewService),
)

// Create registers a job site. A zero radius takes the environment
// default before validation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionJobManage); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, apperr.InvalidArgument("missing_name", "name is required")
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		return nil, apperr.InvalidArgument("invalid_location", "lat/lng out of range")
	}

	env := req.Environment
	switch env {
	case "":
		env = domain.EnvironmentSuburban
	case domain.EnvironmentUrban, domain.EnvironmentSuburban, domain.EnvironmentRural:
	default:
		return nil, apperr.InvalidArgument("invalid_environment", "environment must be urban, suburban or rural")
	}

	radius := req.RadiusMeters
	if radius == 0 {
		radius = domain.DefaultRadiusMeters(env)
	}
	if err := domain.ValidateRadius(radius); err != nil {
		return nil, err
	}
	if req.HourlyRate != nil && *req.HourlyRate < 0 {
		return nil, apperr.InvalidArgument("negative_rate", "hourlyRate cannot be negative")
	}
	if req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		return nil, apperr.InvalidArgument("invalid_window", "endDate is before startDate")
	}

	now := s.clock.Now()
	job := domain.Job{
		ID:           s.genID.Generate(),
		CompanyID:    principal.CompanyID,
		Name:         req.Name,
		Lat:          req.Lat,
		Lng:          req.Lng,
		Address:      req.Address,
		RadiusMeters: radius,
		Environment:  env,
		Active:       true,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		HourlyRate:   req.HourlyRate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}
	s.log.Info("job created",
		zap.String("company_id", principal.CompanyID.String()),
		zap.String("job_id", job.ID.String()),
		zap.Float64("radius_meters", radius),
	)
	return &job, nil
}

// Update patches a job site.
func (s *Service) Update(ctx context.Context, jobID snowflake.ID, patch UpdatePatch) (*domain.Job, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionJobManage); err != nil {
		return nil, err
	}

	job, err := s.load(ctx, principal.CompanyID, jobID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"updated_at": s.clock.Now()}
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, apperr.InvalidArgument("missing_name", "name cannot be empty")
		}
		updates["name"] = *patch.Name
	}
	if patch.Address != nil {
		updates["address"] = *patch.Address
	}
	if patch.RadiusMeters != nil {
		if err := domain.ValidateRadius(*patch.RadiusMeters); err != nil {
			return nil, err
		}
		updates["radius_meters"] = *patch.RadiusMeters
	}
	if patch.HourlyRate != nil {
		if *patch.HourlyRate < 0 {
			return nil, apperr.InvalidArgument("negative_rate", "hourlyRate cannot be negative")
		}
		updates["hourly_rate"] = *patch.HourlyRate
	}
	if patch.Active != nil {
		updates["active"] = *patch.Active
	}
	if patch.EndDate != nil {
		updates["end_date"] = *patch.EndDate
	}

	err = s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND company_id = ?", job.ID, principal.CompanyID).
		Updates(updates).Error
	if err != nil {
		return nil, err
	}
	return s.load(ctx, principal.CompanyID, jobID)
}

// Get returns one job in the caller's company.
func (s *Service) Get(ctx context.Context, jobID snowflake.ID) (*domain.Job, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionJobView); err != nil {
		return nil, err
	}
	return s.load(ctx, principal.CompanyID, jobID)
}

// List returns the company's jobs, active first.
func (s *Service) List(ctx context.Context) ([]*domain.Job, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionJobView); err != nil {
		return nil, err
	}
	var jobs []*domain.Job
	err = s.db.WithContext(ctx).
		Where("company_id = ?", principal.CompanyID).
		Order("active DESC, name ASC").
		Find(&jobs).Error
	return jobs, err
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), authorization.ObjectJob, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not access jobs")
	}
	return err
}

func (s *Service) load(ctx context.Context, companyID, jobID snowflake.ID) (*domain.Job, error) {
	var job domain.Job
	err := s.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", jobID, companyID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("job_not_found", "job does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
