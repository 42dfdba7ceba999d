// Package cleanup enforces the data retention policy. Time entries and
// invoices are never touched; their retention is regulatory (7+ years).
package cleanup

import (
	"context"
	"time"

	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/idempotency"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// BatchSize caps one delete statement. A collection is drained in
	// batches so a large backlog cannot hold long row locks.
	BatchSize = 500

	// warnThreshold flags a surprisingly large purge in one run.
	warnThreshold = 1000

	estimateRetentionYears   = 3
	assignmentRetentionYears = 2
	auditRetentionYears      = 1
	probeRetentionDays       = 30
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	AuditRepo auditdomain.Repository
	Idem      *idempotency.Store
}

// Cleaner runs the daily retention sweep.
type Cleaner struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	auditRepo auditdomain.Repository
	idem      *idempotency.Store
}

func New(p Params) *Cleaner {
	return &Cleaner{
		db:        p.DB,
		log:       p.Log.Named("cleanup"),
		clock:     p.Clock,
		auditRepo: p.AuditRepo,
		idem:      p.Idem,
	}
}

var Module = fx.Module("cleanup",
	fx.Provide(New),
)

// Report lists affected rows per collection. In dry-run mode the counts
// are what would have been deleted.
type Report struct {
	DryRun  bool             `json:"dryRun"`
	Deleted map[string]int64 `json:"deleted"`
}

func (r Report) Total() int64 {
	var total int64
	for _, n := range r.Deleted {
		total += n
	}
	return total
}

// Run applies every retention rule once. Each collection is swept
// independently; a failure on one is logged and does not stop the rest.
func (c *Cleaner) Run(ctx context.Context, dryRun bool) (Report, error) {
	now := c.clock.Now()
	report := Report{DryRun: dryRun, Deleted: map[string]int64{}}

	rules := []struct {
		collection string
		run        func(ctx context.Context) (int64, error)
	}{
		{"estimates", func(ctx context.Context) (int64, error) {
			return c.sweep(ctx, dryRun, "estimates",
				"status != ? AND created_at < ?", "accepted", now.AddDate(-estimateRetentionYears, 0, 0))
		}},
		{"assignments", func(ctx context.Context) (int64, error) {
			return c.sweep(ctx, dryRun, "assignments",
				"active = ? AND end_date IS NOT NULL AND end_date < ?", false, now.AddDate(-assignmentRetentionYears, 0, 0))
		}},
		{"security_audit_logs", func(ctx context.Context) (int64, error) {
			return c.sweepAudit(ctx, dryRun, now.AddDate(-auditRetentionYears, 0, 0))
		}},
		{"probe_samples", func(ctx context.Context) (int64, error) {
			return c.sweep(ctx, dryRun, "probe_samples",
				"recorded_at < ?", now.AddDate(0, 0, -probeRetentionDays))
		}},
		{"idempotency_records", func(ctx context.Context) (int64, error) {
			return c.sweepIdempotency(ctx, dryRun, now)
		}},
	}

	var firstErr error
	for _, rule := range rules {
		n, err := rule.run(ctx)
		if err != nil {
			c.log.Error("retention sweep failed",
				zap.String("collection", rule.collection),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		report.Deleted[rule.collection] = n
		if n > warnThreshold {
			c.log.Warn("retention sweep deleted unusually many rows",
				zap.String("collection", rule.collection),
				zap.Int64("deleted", n),
				zap.Bool("dry_run", dryRun),
			)
		}
	}

	c.log.Info("retention sweep finished",
		zap.Bool("dry_run", dryRun),
		zap.Int64("total", report.Total()),
		zap.Any("deleted", report.Deleted),
	)
	return report, firstErr
}

// sweep deletes matching rows in batches of BatchSize until none remain.
func (c *Cleaner) sweep(ctx context.Context, dryRun bool, table, where string, args ...any) (int64, error) {
	if dryRun {
		var count int64
		err := c.db.WithContext(ctx).Table(table).Where(where, args...).Count(&count).Error
		return count, err
	}

	var total int64
	for {
		result := c.db.WithContext(ctx).Exec(
			// Batched delete keyed on the primary key; the subquery keeps
			// the statement portable across postgres and sqlite.
			"DELETE FROM "+table+" WHERE id IN (SELECT id FROM "+table+" WHERE "+where+" LIMIT ?)",
			append(append([]any{}, args...), BatchSize)...,
		)
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
		if result.RowsAffected < BatchSize {
			return total, nil
		}
	}
}

func (c *Cleaner) sweepAudit(ctx context.Context, dryRun bool, cutoff time.Time) (int64, error) {
	if dryRun {
		var count int64
		err := c.db.WithContext(ctx).
			Model(&auditdomain.SecurityEvent{}).
			Where("created_at < ?", cutoff.UTC()).
			Count(&count).Error
		return count, err
	}
	var total int64
	for {
		n, err := c.auditRepo.DeleteOlderThan(ctx, cutoff, BatchSize)
		total += n
		if err != nil || n < BatchSize {
			return total, err
		}
	}
}

func (c *Cleaner) sweepIdempotency(ctx context.Context, dryRun bool, now time.Time) (int64, error) {
	if dryRun {
		var count int64
		err := c.db.WithContext(ctx).
			Model(&idempotency.Record{}).
			Where("expires_at <= ?", now).
			Count(&count).Error
		return count, err
	}
	var total int64
	for {
		n, err := c.idem.DeleteExpired(ctx, c.db, now, BatchSize)
		total += n
		if err != nil || n < BatchSize {
			return total, err
		}
	}
}
