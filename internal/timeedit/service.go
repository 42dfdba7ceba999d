// Package timeedit implements manager corrections to time entries. Every
// edit requires a reason, is diffed into the entry's audit log, mirrored
// to the security audit trail and re-checked for overlaps.
package timeedit

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
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

// Patch carries the editable fields. ClockInAt is accepted on the wire
// only to be rejected: clock-in time is immutable and any attempt to move
// it is recorded as a manipulation attempt.
type Patch struct {
	ClockInAt     *time.Time
	ClockOutAt    *time.Time
	JobID         *snowflake.ID
	Notes         *string
	Status        *timeentrydomain.Status
	ExceptionTags *[]string
}

type EditRequest struct {
	EntryID snowflake.ID
	Reason  string
	Patch   Patch
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
		log:   p.Log.Named("timeedit.service"),
		clock: p.Clock,
		authz: p.Authz,
		audit: p.Audit,
	}
}

var Module = fx.Module("timeedit",
	fx.Provide(NewService),
)

// Edit applies the patch to one entry.
func (s *Service) Edit(ctx context.Context, req EditRequest) (*timeentrydomain.TimeEntry, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionTimeEntryEdit); err != nil {
		return nil, err
	}
	if req.EntryID == 0 {
		return nil, apperr.InvalidArgument("missing_entry_id", "timeEntryId is required")
	}
	if req.Reason == "" {
		return nil, apperr.InvalidArgument("missing_reason", "an edit reason is required")
	}
	if req.Patch.ClockInAt != nil {
		s.recordManipulation(ctx, principal, req.EntryID, "clockInAt")
		return nil, apperr.InvalidArgument("immutable_field", "clockInAt cannot be edited")
	}
	if req.Patch.Status != nil && !timeentrydomain.ValidStatus(*req.Patch.Status) {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "bad_status", "unknown status %q", *req.Patch.Status)
	}
	if req.Patch.ExceptionTags != nil {
		for _, tag := range *req.Patch.ExceptionTags {
			if !timeentrydomain.ValidTag(tag) {
				return nil, apperr.Newf(apperr.CodeInvalidArgument, "bad_exception_tag", "unknown exception tag %q", tag)
			}
		}
	}

	now := s.clock.Now()
	var updated timeentrydomain.TimeEntry
	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		entry, err := s.loadForEdit(ctx, tx, principal.CompanyID, req.EntryID)
		if err != nil {
			return err
		}
		if entry.Invoiced() {
			s.recordManipulation(ctx, principal, entry.ID, "invoiced_entry")
			return apperr.FailedPrecondition("invoiced_immutable", "entry is locked by an invoice")
		}

		changes := map[string]timeentrydomain.FieldChange{}

		if req.Patch.ClockOutAt != nil {
			newOut := req.Patch.ClockOutAt.UTC()
			if !newOut.After(entry.ClockInAt) {
				return apperr.InvalidArgument("non_positive_duration", "clockOutAt must be after clockInAt")
			}
			changes["clockOutAt"] = timeentrydomain.FieldChange{Before: entry.ClockOutAt, After: newOut}
			entry.ClockOutAt = &newOut
			if entry.Status == timeentrydomain.StatusActive {
				changes["status"] = timeentrydomain.FieldChange{Before: timeentrydomain.StatusActive, After: timeentrydomain.StatusPending}
				entry.Status = timeentrydomain.StatusPending
			}
		}
		if req.Patch.JobID != nil && *req.Patch.JobID != entry.JobID {
			if err := s.checkJob(ctx, tx, principal.CompanyID, *req.Patch.JobID); err != nil {
				return err
			}
			changes["jobId"] = timeentrydomain.FieldChange{Before: entry.JobID.String(), After: req.Patch.JobID.String()}
			entry.JobID = *req.Patch.JobID
		}
		if req.Patch.Notes != nil && *req.Patch.Notes != entry.Notes {
			changes["notes"] = timeentrydomain.FieldChange{Before: entry.Notes, After: *req.Patch.Notes}
			entry.Notes = *req.Patch.Notes
		}
		if req.Patch.Status != nil && *req.Patch.Status != entry.Status {
			changes["status"] = timeentrydomain.FieldChange{Before: entry.Status, After: *req.Patch.Status}
			entry.Status = *req.Patch.Status
		}
		if req.Patch.ExceptionTags != nil && !equalTags(entry.ExceptionTags, *req.Patch.ExceptionTags) {
			changes["exceptionTags"] = timeentrydomain.FieldChange{
				Before: []string(entry.ExceptionTags), After: *req.Patch.ExceptionTags,
			}
			entry.ExceptionTags = datatypes.JSONSlice[string](*req.Patch.ExceptionTags)
		}

		if len(changes) == 0 {
			updated = *entry
			return nil
		}

		if err := s.recomputeOverlaps(ctx, tx, entry, now); err != nil {
			return err
		}

		entry.AuditLog = append(entry.AuditLog, timeentrydomain.AuditRecord{
			EditedBy: principal.UID,
			EditedAt: now,
			Reason:   req.Reason,
			Changes:  changes,
		})
		entry.UpdatedAt = now

		if err := tx.Save(entry).Error; err != nil {
			return err
		}
		updated = *entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Mirror the edit into the security trail after commit.
	entryID := updated.ID.String()
	s.audit.Record(ctx, auditdomain.Entry{
		CompanyID:  &principal.CompanyID,
		EventType:  auditdomain.EventTimeEntryEdited,
		ActorType:  "user",
		ActorUID:   &principal.UID,
		TargetType: "time_entry",
		TargetID:   &entryID,
		Metadata:   map[string]any{"reason": req.Reason},
	})

	s.log.Info("time entry edited",
		zap.String("company_id", principal.CompanyID.String()),
		zap.String("time_entry_id", entryID),
		zap.String("edited_by", principal.UID),
	)
	return &updated, nil
}

// Approve moves a closed entry to approved, making it billable.
func (s *Service) Approve(ctx context.Context, entryID snowflake.ID) (*timeentrydomain.TimeEntry, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionTimeEntryApprove); err != nil {
		return nil, err
	}
	if entryID == 0 {
		return nil, apperr.InvalidArgument("missing_entry_id", "timeEntryId is required")
	}

	now := s.clock.Now()
	var updated timeentrydomain.TimeEntry
	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		entry, err := s.loadForEdit(ctx, tx, principal.CompanyID, entryID)
		if err != nil {
			return err
		}
		if entry.Invoiced() {
			return apperr.FailedPrecondition("invoiced_immutable", "entry is locked by an invoice")
		}
		if entry.IsActive() {
			return apperr.FailedPrecondition("entry_still_active", "cannot approve an open shift")
		}
		if entry.Status == timeentrydomain.StatusApproved {
			updated = *entry
			return nil
		}

		entry.Status = timeentrydomain.StatusApproved
		entry.ApprovedBy = &principal.UID
		entry.ApprovedAt = &now
		entry.UpdatedAt = now
		if err := tx.Save(entry).Error; err != nil {
			return err
		}
		updated = *entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), authorization.ObjectTimeEntry, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not modify time entries")
	}
	return err
}

func (s *Service) loadForEdit(ctx context.Context, tx *gorm.DB, companyID, entryID snowflake.ID) (*timeentrydomain.TimeEntry, error) {
	var entry timeentrydomain.TimeEntry
	err := db.LockForUpdate(tx.WithContext(ctx)).
		Where("company_id = ? AND id = ?", companyID, entryID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("entry_not_found", "time entry does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) checkJob(ctx context.Context, tx *gorm.DB, companyID, jobID snowflake.ID) error {
	var job jobdomain.Job
	err := tx.WithContext(ctx).Where("company_id = ? AND id = ?", companyID, jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("job_not_found", "job does not exist in this company")
	}
	return err
}

// recomputeOverlaps checks strict interval intersection against the
// worker's other entries, open shifts included. Touching boundaries do not
// overlap. Both sides of an intersection get tagged: an edit that pushes
// entry A into entry B puts B in the review queue too.
func (s *Service) recomputeOverlaps(ctx context.Context, tx *gorm.DB, entry *timeentrydomain.TimeEntry, now time.Time) error {
	q := tx.WithContext(ctx).Model(&timeentrydomain.TimeEntry{}).
		Where("company_id = ? AND user_id = ? AND id <> ?", entry.CompanyID, entry.UserID, entry.ID).
		Where("clock_out_at IS NULL OR clock_out_at > ?", entry.ClockInAt)
	if entry.ClockOutAt != nil {
		q = q.Where("clock_in_at < ?", entry.ClockOutAt)
	}
	var others []timeentrydomain.TimeEntry
	if err := q.Find(&others).Error; err != nil {
		return err
	}

	for i := range others {
		other := &others[i]
		if other.HasTag(timeentrydomain.TagOverlap) {
			continue
		}
		other.ExceptionTags = timeentrydomain.AddTag(other.ExceptionTags, timeentrydomain.TagOverlap)
		other.NeedsReview = true
		other.UpdatedAt = now
		if err := tx.Save(other).Error; err != nil {
			return err
		}
	}

	if len(others) > 0 {
		entry.ExceptionTags = timeentrydomain.AddTag(entry.ExceptionTags, timeentrydomain.TagOverlap)
		entry.NeedsReview = true
	} else {
		entry.ExceptionTags = removeTag(entry.ExceptionTags, timeentrydomain.TagOverlap)
	}
	return nil
}

func (s *Service) recordManipulation(ctx context.Context, principal tenant.Principal, entryID snowflake.ID, detail string) {
	id := entryID.String()
	s.audit.Record(ctx, auditdomain.Entry{
		CompanyID:  &principal.CompanyID,
		EventType:  auditdomain.EventTimeEntryManipulation,
		ActorType:  "user",
		ActorUID:   &principal.UID,
		TargetType: "time_entry",
		TargetID:   &id,
		Metadata:   map[string]any{"attempted": detail},
	})
}

func removeTag(tags datatypes.JSONSlice[string], tag string) datatypes.JSONSlice[string] {
	out := tags[:0]
	for _, t := range tags {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}

func equalTags(have datatypes.JSONSlice[string], want []string) bool {
	if len(have) != len(want) {
		return false
	}
	for i := range have {
		if have[i] != want[i] {
			return false
		}
	}
	return true
}
