// Package reaper closes shifts that were left running. A worker who
// forgets to clock out would otherwise accumulate an open entry forever
// and block their next clock-in.
package reaper

import (
	"context"
	"errors"
	"time"

	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/config"
	timeentrydomain "github.com/paintops/crewclock/internal/timeentry/domain"
	"github.com/paintops/crewclock/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// BatchLimit caps one sweep; anything left over is picked up by the
	// next scheduled run.
	BatchLimit = 500

	defaultCutoffHours = 12

	systemActor = "system"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
	Audit auditdomain.Service
}

// Reaper sweeps open time entries past the cutoff and force-closes them.
type Reaper struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	cfg   config.Config
	audit auditdomain.Service
}

func New(p Params) *Reaper {
	return &Reaper{
		db:    p.DB,
		log:   p.Log.Named("reaper"),
		clock: p.Clock,
		cfg:   p.Cfg,
		audit: p.Audit,
	}
}

var Module = fx.Module("reaper",
	fx.Provide(New),
)

// Stats summarizes one sweep.
type Stats struct {
	Scanned int
	Closed  int
	Failed  int
}

// Cutoff is the maximum open-shift duration before force close.
func (r *Reaper) Cutoff() time.Duration {
	hours := r.cfg.AutoClockoutHours
	if hours <= 0 {
		hours = defaultCutoffHours
	}
	return time.Duration(hours) * time.Hour
}

// Run closes every open entry whose shift has exceeded the cutoff. The
// entry is closed at exactly clockInAt + cutoff, not at sweep time, so
// billed hours do not depend on scheduler timing. Each entry gets its own
// transaction: one bad row must not roll back the rest of the sweep.
func (r *Reaper) Run(ctx context.Context) (Stats, error) {
	now := r.clock.Now()
	deadline := now.Add(-r.Cutoff())

	var candidates []timeentrydomain.TimeEntry
	err := r.db.WithContext(ctx).
		Where("clock_out_at IS NULL AND clock_in_at <= ?", deadline).
		Order("clock_in_at ASC").
		Limit(BatchLimit).
		Find(&candidates).Error
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Scanned: len(candidates)}
	for i := range candidates {
		if err := r.closeEntry(ctx, &candidates[i], now); err != nil {
			stats.Failed++
			r.log.Error("auto clock-out failed",
				zap.String("time_entry_id", candidates[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		stats.Closed++
	}

	if stats.Scanned > 0 {
		r.log.Info("auto clock-out sweep",
			zap.Int("scanned", stats.Scanned),
			zap.Int("closed", stats.Closed),
			zap.Int("failed", stats.Failed),
		)
	}
	return stats, nil
}

func (r *Reaper) closeEntry(ctx context.Context, candidate *timeentrydomain.TimeEntry, now time.Time) error {
	var closed *timeentrydomain.TimeEntry
	err := db.Serializable(ctx, r.db, func(tx *gorm.DB) error {
		var entry timeentrydomain.TimeEntry
		err := db.LockForUpdate(tx).
			Where("id = ? AND clock_out_at IS NULL", candidate.ID).
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The worker clocked out (or another sweep closed it) since
			// the candidate scan. Nothing to do.
			return nil
		}
		if err != nil {
			return err
		}

		clockOutAt := entry.ClockInAt.Add(r.Cutoff())
		tags := timeentrydomain.AddTag(entry.ExceptionTags, timeentrydomain.TagAutoClockout)
		tags = timeentrydomain.AddTag(tags, timeentrydomain.TagExceeds12h)

		auditLog := append(entry.AuditLog, timeentrydomain.AuditRecord{
			EditedBy: systemActor,
			EditedAt: now,
			Reason:   "shift exceeded the maximum duration and was closed automatically",
			Changes: map[string]timeentrydomain.FieldChange{
				"clockOutAt": {Before: nil, After: clockOutAt},
			},
		})

		updates := map[string]any{
			"clock_out_at":   clockOutAt,
			"status":         timeentrydomain.StatusPending,
			"exception_tags": tags,
			"needs_review":   true,
			"audit_log":      auditLog,
			"updated_at":     now,
		}
		if err := tx.Model(&timeentrydomain.TimeEntry{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
			return err
		}
		closed = &entry
		return nil
	})
	if err != nil || closed == nil {
		return err
	}

	entryID := closed.ID.String()
	r.audit.Record(ctx, auditdomain.Entry{
		CompanyID:  &closed.CompanyID,
		EventType:  auditdomain.EventTimeEntryAutoClockedOut,
		ActorType:  "system",
		TargetType: "time_entry",
		TargetID:   &entryID,
		Metadata: map[string]any{
			"userId":     closed.UserID,
			"jobId":      closed.JobID.String(),
			"clockInAt":  closed.ClockInAt,
			"clockOutAt": closed.ClockInAt.Add(r.Cutoff()),
		},
	})
	return nil
}
