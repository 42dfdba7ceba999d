// Package timeclock implements shift ingestion: clock-in and clock-out
// with geofence, assignment, single-active-shift and idempotency checks.
// Both operations run as one serializable transaction; the raw client
// submission is kept in clock_events, the canonical state in time_entries.
package timeclock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/paintops/crewclock/internal/assignment/domain"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/config"
	"github.com/paintops/crewclock/internal/geofence"
	"github.com/paintops/crewclock/internal/idempotency"
	jobdomain "github.com/paintops/crewclock/internal/job/domain"
	"github.com/paintops/crewclock/internal/tenant"
	timeentrydomain "github.com/paintops/crewclock/internal/timeentry/domain"
	"github.com/paintops/crewclock/pkg/apperr"
	"github.com/paintops/crewclock/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GeofencePolicyReject aborts clock-in outside the fence; GeofencePolicyAllow
// records the entry tagged for review instead.
const (
	GeofencePolicyReject = "reject"
	GeofencePolicyAllow  = "allow"
)

const (
	opClockIn  = "clockIn"
	opClockOut = "clockOut"
)

type ClockInRequest struct {
	JobID         snowflake.ID
	ClientEventID string
	DeviceID      string
	Location      *geofence.Location
}

type ClockOutRequest struct {
	ClientEventID string
	DeviceID      string
	Location      *geofence.Location
}

// Result is the wire answer for both operations. Replayed marks an
// idempotent retry served from the stored result.
type Result struct {
	TimeEntryID snowflake.ID `json:"timeEntryId"`
	Status      string       `json:"status"`
	Warnings    []string     `json:"warnings,omitempty"`
	Replayed    bool         `json:"replayed,omitempty"`
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config
	Authz authorization.Service
	Idem  *idempotency.Store
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   config.Config
	authz authorization.Service
	idem  *idempotency.Store
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("timeclock.service"),
		genID: p.GenID,
		clock: p.Clock,
		cfg:   p.Cfg,
		authz: p.Authz,
		idem:  p.Idem,
	}
}

var Module = fx.Module("timeclock",
	fx.Provide(NewService),
)

// ClockIn opens a shift for the calling worker on the given job.
func (s *Service) ClockIn(ctx context.Context, req ClockInRequest) (*Result, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionClockIn); err != nil {
		return nil, err
	}
	if req.JobID == 0 {
		return nil, apperr.InvalidArgument("missing_job_id", "jobId is required")
	}
	now := s.clock.Now()
	if err := idempotency.ValidateClientEventID(req.ClientEventID, now); err != nil {
		return nil, err
	}

	var result *Result
	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		replay, err := s.lookupReplay(ctx, tx, opClockIn, principal.CompanyID, req.ClientEventID)
		if err != nil || replay != nil {
			result = replay
			return err
		}

		job, err := s.loadJob(ctx, tx, principal.CompanyID, req.JobID)
		if err != nil {
			return err
		}
		if err := s.checkAssignment(ctx, tx, principal, req.JobID); err != nil {
			return err
		}
		if err := s.checkNoActiveShift(ctx, tx, principal); err != nil {
			return err
		}

		fence := geofence.Evaluate(req.Location, job.Lat, job.Lng, job.RadiusMeters)
		var warnings []string
		tags := datatypes.JSONSlice[string]{}
		needsReview := false

		if !fence.Inside {
			if s.geofencePolicy() == GeofencePolicyReject {
				return apperr.Newf(apperr.CodeFailedPrecondition, "geofence_invalid",
					"location is %.0fm from job site (allowed %.0fm)", fence.DistanceM, fence.EffectiveRadiusM)
			}
			tags = timeentrydomain.AddTag(tags, timeentrydomain.TagGeofenceIn)
			needsReview = true
			warnings = append(warnings, "clock-in recorded outside the job geofence")
		}
		if fence.GPSMissing {
			tags = timeentrydomain.AddTag(tags, timeentrydomain.TagGPSMissing)
			needsReview = true
			warnings = append(warnings, "no GPS location was provided")
		} else if fence.LowAccuracy {
			tags = timeentrydomain.AddTag(tags, timeentrydomain.TagGPSLowAccuracy)
			warnings = append(warnings, "GPS accuracy is low")
		}

		entry := timeentrydomain.TimeEntry{
			ID:                   s.genID.Generate(),
			CompanyID:            principal.CompanyID,
			UserID:               principal.UID,
			JobID:                req.JobID,
			ClockInAt:            now,
			ClockInGeofenceValid: fence.Inside,
			ClientEventID:        req.ClientEventID,
			DeviceID:             req.DeviceID,
			Status:               timeentrydomain.StatusActive,
			ExceptionTags:        tags,
			NeedsReview:          needsReview,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if req.Location != nil {
			loc := datatypes.NewJSONType(timeentrydomain.Location{
				Lat:            req.Location.Lat,
				Lng:            req.Location.Lng,
				AccuracyMeters: req.Location.AccuracyMeters,
			})
			entry.ClockInLocation = &loc
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		if err := s.recordClockEvent(ctx, tx, &entry, timeentrydomain.ClockEventIn, req.ClientEventID, req.DeviceID, req.Location, now); err != nil {
			return err
		}
		if err := s.idem.PutTx(ctx, tx, opClockIn, principal.CompanyID, req.ClientEventID,
			map[string]any{"timeEntryId": entry.ID.String(), "status": string(entry.Status)}, now); err != nil {
			return err
		}

		result = &Result{TimeEntryID: entry.ID, Status: string(entry.Status), Warnings: warnings}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("clock in",
		zap.String("company_id", principal.CompanyID.String()),
		zap.String("user_id", principal.UID),
		zap.String("time_entry_id", result.TimeEntryID.String()),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

// ClockOut closes the caller's active shift. Clocking out outside the
// geofence succeeds with a warning; rejecting would trap workers on site.
func (s *Service) ClockOut(ctx context.Context, req ClockOutRequest) (*Result, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionClockOut); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := idempotency.ValidateClientEventID(req.ClientEventID, now); err != nil {
		return nil, err
	}

	var result *Result
	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		replay, err := s.lookupReplay(ctx, tx, opClockOut, principal.CompanyID, req.ClientEventID)
		if err != nil || replay != nil {
			result = replay
			return err
		}

		var entry timeentrydomain.TimeEntry
		err = db.LockForUpdate(tx).
			Where("company_id = ? AND user_id = ? AND clock_out_at IS NULL", principal.CompanyID, principal.UID).
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.FailedPrecondition("not_clocked_in", "no active shift to clock out of")
		}
		if err != nil {
			return err
		}
		if !now.After(entry.ClockInAt) {
			return apperr.InvalidArgument("non_positive_duration", "clock-out must be after clock-in")
		}

		job, err := s.loadJob(ctx, tx, principal.CompanyID, entry.JobID)
		if err != nil {
			return err
		}

		fence := geofence.Evaluate(req.Location, job.Lat, job.Lng, job.RadiusMeters)
		var warnings []string
		tags := entry.ExceptionTags
		needsReview := entry.NeedsReview
		geofenceValid := fence.Inside

		if !fence.Inside {
			tags = timeentrydomain.AddTag(tags, timeentrydomain.TagGeofenceOut)
			needsReview = true
			warnings = append(warnings, "clock-out recorded outside the job geofence")
		}
		if fence.GPSMissing {
			tags = timeentrydomain.AddTag(tags, timeentrydomain.TagGPSMissing)
			warnings = append(warnings, "no GPS location was provided")
		} else if fence.LowAccuracy {
			tags = timeentrydomain.AddTag(tags, timeentrydomain.TagGPSLowAccuracy)
			warnings = append(warnings, "GPS accuracy is low")
		}
		if now.Sub(entry.ClockInAt) >= time.Duration(s.cfg.AutoClockoutHours)*time.Hour {
			tags = timeentrydomain.AddTag(tags, timeentrydomain.TagExceeds12h)
			needsReview = true
			warnings = append(warnings, fmt.Sprintf("shift exceeds %dh", s.cfg.AutoClockoutHours))
		}

		updates := map[string]any{
			"clock_out_at":             now,
			"clock_out_geofence_valid": geofenceValid,
			"status":                   timeentrydomain.StatusPending,
			"exception_tags":           tags,
			"needs_review":             needsReview,
			"updated_at":               now,
		}
		if req.Location != nil {
			loc := datatypes.NewJSONType(timeentrydomain.Location{
				Lat:            req.Location.Lat,
				Lng:            req.Location.Lng,
				AccuracyMeters: req.Location.AccuracyMeters,
			})
			updates["clock_out_location"] = loc
		}
		if err := tx.Model(&timeentrydomain.TimeEntry{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
			return err
		}
		if err := s.recordClockEvent(ctx, tx, &entry, timeentrydomain.ClockEventOut, req.ClientEventID, req.DeviceID, req.Location, now); err != nil {
			return err
		}
		if err := s.idem.PutTx(ctx, tx, opClockOut, principal.CompanyID, req.ClientEventID,
			map[string]any{"timeEntryId": entry.ID.String(), "status": string(timeentrydomain.StatusPending)}, now); err != nil {
			return err
		}

		result = &Result{TimeEntryID: entry.ID, Status: string(timeentrydomain.StatusPending), Warnings: warnings}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("clock out",
		zap.String("company_id", principal.CompanyID.String()),
		zap.String("user_id", principal.UID),
		zap.String("time_entry_id", result.TimeEntryID.String()),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), authorization.ObjectClock, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not operate the time clock")
	}
	return err
}

func (s *Service) geofencePolicy() string {
	if s.cfg.GeofenceClockInPolicy == GeofencePolicyAllow {
		return GeofencePolicyAllow
	}
	return GeofencePolicyReject
}

func (s *Service) lookupReplay(ctx context.Context, tx *gorm.DB, op string, companyID snowflake.ID, clientEventID string) (*Result, error) {
	record, err := s.idem.Lookup(ctx, tx, idempotency.Key(op, companyID, clientEventID), s.clock.Now())
	if err != nil || record == nil {
		return nil, err
	}
	id, _ := record.Result["timeEntryId"].(string)
	status, _ := record.Result["status"].(string)
	parsed, err := snowflake.ParseString(id)
	if err != nil {
		return nil, apperr.Internal("stored idempotency result is corrupt")
	}
	return &Result{TimeEntryID: parsed, Status: status, Replayed: true}, nil
}

func (s *Service) loadJob(ctx context.Context, tx *gorm.DB, companyID, jobID snowflake.ID) (*jobdomain.Job, error) {
	var job jobdomain.Job
	err := tx.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyID, jobID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("job_not_found", "job does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	if !job.Active {
		return nil, apperr.FailedPrecondition("job_inactive", "job is not active")
	}
	return &job, nil
}

func (s *Service) checkAssignment(ctx context.Context, tx *gorm.DB, principal tenant.Principal, jobID snowflake.ID) error {
	var assignments []assignmentdomain.Assignment
	err := tx.WithContext(ctx).
		Where("company_id = ? AND user_id = ? AND job_id = ? AND active = ?", principal.CompanyID, principal.UID, jobID, true).
		Find(&assignments).Error
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, a := range assignments {
		if a.Covers(now) {
			return nil
		}
	}
	return apperr.FailedPrecondition("not_assigned", "worker is not assigned to this job")
}

func (s *Service) checkNoActiveShift(ctx context.Context, tx *gorm.DB, principal tenant.Principal) error {
	var open timeentrydomain.TimeEntry
	err := db.LockForUpdate(tx).
		Where("company_id = ? AND user_id = ? AND clock_out_at IS NULL", principal.CompanyID, principal.UID).
		First(&open).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return apperr.Newf(apperr.CodeFailedPrecondition, "already_clocked_in",
		"an active shift already exists (entry %s)", open.ID.String())
}

func (s *Service) recordClockEvent(ctx context.Context, tx *gorm.DB, entry *timeentrydomain.TimeEntry, eventType timeentrydomain.ClockEventType, clientEventID, deviceID string, location *geofence.Location, at time.Time) error {
	event := timeentrydomain.ClockEvent{
		ID:            s.genID.Generate(),
		CompanyID:     entry.CompanyID,
		UserID:        entry.UserID,
		JobID:         entry.JobID,
		TimeEntryID:   entry.ID,
		Type:          eventType,
		ClientEventID: clientEventID,
		DeviceID:      deviceID,
		At:            at,
		CreatedAt:     at,
	}
	if location != nil {
		loc := datatypes.NewJSONType(timeentrydomain.Location{
			Lat:            location.Lat,
			Lng:            location.Lng,
			AccuracyMeters: location.AccuracyMeters,
		})
		event.Location = &loc
	}
	return tx.WithContext(ctx).Create(&event).Error
}
