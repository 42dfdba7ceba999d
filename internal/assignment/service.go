package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/internal/assignment/domain"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	jobdomain "github.com/paintops/crewclock/internal/job/domain"
	"github.com/paintops/crewclock/internal/tenant"
	userdomain "github.com/paintops/crewclock/internal/user/domain"
	"github.com/paintops/crewclock/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type CreateRequest struct {
	UserID    string       `json:"userId"`
	JobID     snowflake.ID `json:"jobId"`
	StartDate time.Time    `json:"startDate"`
	EndDate   *time.Time   `json:"endDate,omitempty"`
	Notes     string       `json:"notes,omitempty"`
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
		log:   p.Log.Named("assignment.service"),
		genID: p.GenID,
		clock: p.Clock,
		authz: p.Authz,
	}
}

var Module = fx.Module("assignment",
	fx.Provide(NewService),
)

// Create grants a worker a clock-in window on a job. Both the worker and
// the job must already exist in the caller's company.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Assignment, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionAssignmentManage); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, apperr.InvalidArgument("missing_user", "userId is required")
	}
	if req.JobID == 0 {
		return nil, apperr.InvalidArgument("missing_job", "jobId is required")
	}
	if req.StartDate.IsZero() {
		return nil, apperr.InvalidArgument("missing_start_date", "startDate is required")
	}
	if req.EndDate != nil && req.EndDate.Before(req.StartDate) {
		return nil, apperr.InvalidArgument("invalid_window", "endDate is before startDate")
	}

	var count int64
	err = s.db.WithContext(ctx).Model(&userdomain.User{}).
		Where("uid = ? AND company_id = ?", req.UserID, principal.CompanyID).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, apperr.NotFound("user_not_found", "user does not exist in this company")
	}
	err = s.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("id = ? AND company_id = ?", req.JobID, principal.CompanyID).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, apperr.NotFound("job_not_found", "job does not exist in this company")
	}

	now := s.clock.Now()
	assignment := domain.Assignment{
		ID:        s.genID.Generate(),
		CompanyID: principal.CompanyID,
		UserID:    req.UserID,
		JobID:     req.JobID,
		Active:    true,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Notes:     req.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&assignment).Error; err != nil {
		return nil, err
	}
	s.log.Info("assignment created",
		zap.String("company_id", principal.CompanyID.String()),
		zap.String("assignment_id", assignment.ID.String()),
		zap.String("job_id", req.JobID.String()),
	)
	return &assignment, nil
}

// Deactivate ends an assignment. The worker keeps any open shift; only
// future clock-ins are blocked.
func (s *Service) Deactivate(ctx context.Context, assignmentID snowflake.ID) (*domain.Assignment, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionAssignmentManage); err != nil {
		return nil, err
	}
	assignment, err := s.load(ctx, principal.CompanyID, assignmentID)
	if err != nil {
		return nil, err
	}
	if !assignment.Active {
		return assignment, nil
	}

	now := s.clock.Now()
	updates := map[string]any{"active": false, "updated_at": now}
	if assignment.EndDate == nil {
		updates["end_date"] = now
	}
	err = s.db.WithContext(ctx).Model(&domain.Assignment{}).
		Where("id = ? AND company_id = ?", assignment.ID, principal.CompanyID).
		Updates(updates).Error
	if err != nil {
		return nil, err
	}
	return s.load(ctx, principal.CompanyID, assignmentID)
}

// Get returns one assignment in the caller's company.
func (s *Service) Get(ctx context.Context, assignmentID snowflake.ID) (*domain.Assignment, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionAssignmentView); err != nil {
		return nil, err
	}
	return s.load(ctx, principal.CompanyID, assignmentID)
}

// List returns assignments, optionally filtered by worker.
func (s *Service) List(ctx context.Context, userID string) ([]*domain.Assignment, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionAssignmentView); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("company_id = ?", principal.CompanyID)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var assignments []*domain.Assignment
	err = q.Order("start_date DESC").Find(&assignments).Error
	return assignments, err
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), authorization.ObjectAssignment, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not access assignments")
	}
	return err
}

func (s *Service) load(ctx context.Context, companyID, assignmentID snowflake.ID) (*domain.Assignment, error) {
	var assignment domain.Assignment
	err := s.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", assignmentID, companyID).
		First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("assignment_not_found", "assignment does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}
