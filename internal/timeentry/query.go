// Package timeentry reads the canonical time records. Writes go through
// the clock-event, edit and invoice engines; this package only queries.
package timeentry

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/internal/timeentry/domain"
	"github.com/paintops/crewclock/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxListLimit = 250

type ListFilter struct {
	UserID string
	JobID  snowflake.ID
	Status domain.Status
	From   time.Time
	To     time.Time
	Limit  int
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Authz authorization.Service
	Audit auditdomain.Service
}

type Query struct {
	db    *gorm.DB
	log   *zap.Logger
	authz authorization.Service
	audit auditdomain.Service
}

func NewQuery(p Params) *Query {
	return &Query{
		db:    p.DB,
		log:   p.Log.Named("timeentry.query"),
		authz: p.Authz,
		audit: p.Audit,
	}
}

var Module = fx.Module("timeentry",
	fx.Provide(NewQuery),
)

// Get returns one entry. Workers can only read their own entries.
func (q *Query) Get(ctx context.Context, entryID snowflake.ID) (*domain.TimeEntry, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	selfOnly, err := q.scope(ctx, principal)
	if err != nil {
		return nil, err
	}

	var entry domain.TimeEntry
	err = q.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", entryID, principal.CompanyID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("time_entry_not_found", "time entry does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	if selfOnly && entry.UserID != principal.UID {
		return nil, apperr.NotFound("time_entry_not_found", "time entry does not exist in this company")
	}
	return &entry, nil
}

// List returns entries newest first. Workers are always scoped to their
// own records regardless of the filter.
func (q *Query) List(ctx context.Context, filter ListFilter) ([]*domain.TimeEntry, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	selfOnly, err := q.scope(ctx, principal)
	if err != nil {
		return nil, err
	}
	if selfOnly {
		filter.UserID = principal.UID
	}

	dbq := q.db.WithContext(ctx).Where("company_id = ?", principal.CompanyID)
	if filter.UserID != "" {
		dbq = dbq.Where("user_id = ?", filter.UserID)
	}
	if filter.JobID != 0 {
		dbq = dbq.Where("job_id = ?", filter.JobID)
	}
	if filter.Status != "" {
		if !domain.ValidStatus(filter.Status) {
			return nil, apperr.InvalidArgument("invalid_status", "unknown time entry status")
		}
		dbq = dbq.Where("status = ?", filter.Status)
	}
	if !filter.From.IsZero() {
		dbq = dbq.Where("clock_in_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		dbq = dbq.Where("clock_in_at < ?", filter.To)
	}

	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var entries []*domain.TimeEntry
	err = dbq.Order("clock_in_at DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, err
	}

	// A company-wide read that fills the whole page is how scraped
	// rosters start; leave a trail for the review queue.
	if !selfOnly && len(entries) >= maxListLimit {
		actor := principal.UID
		q.audit.Record(ctx, auditdomain.Entry{
			CompanyID:  &principal.CompanyID,
			EventType:  auditdomain.EventMassDataExport,
			ActorType:  "user",
			ActorUID:   &actor,
			TargetType: "time_entry",
			Metadata: map[string]any{
				"rows":     len(entries),
				"userId":   filter.UserID,
				"jobId":    filter.JobID.String(),
				"resource": "timeEntries",
			},
		})
	}
	return entries, nil
}

// scope reports whether the caller may only see their own entries.
func (q *Query) scope(ctx context.Context, principal tenant.Principal) (bool, error) {
	err := q.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(),
		authorization.ObjectTimeEntry, authorization.ActionTimeEntryView)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, authorization.ErrForbidden) {
		return false, err
	}
	err = q.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(),
		authorization.ObjectTimeEntry, authorization.ActionTimeEntryViewOwn)
	if errors.Is(err, authorization.ErrForbidden) {
		return false, apperr.PermissionDenied("insufficient_role", "role may not read time entries")
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
