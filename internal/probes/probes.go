// Package probes measures the latency of small, bounded operations
// against the datastore, the redis KV layer and the object store, keeps a
// rolling sample window per operation and checks the p95 against the SLO
// targets.
package probes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/internal/clock"
	obsmetrics "github.com/paintops/crewclock/internal/observability/metrics"
	"github.com/paintops/crewclock/internal/objectstore"
	timeentrydomain "github.com/paintops/crewclock/internal/timeentry/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Probed operations. The clock-in/out and invoice spans run the query
// shapes of the real operations against sentinel data, not the real
// business services.
const (
	OpClockIn         = "clockIn"
	OpClockOut        = "clockOut"
	OpKVRead          = "kvRead"
	OpKVWrite         = "kvWrite"
	OpObjectUpload    = "objectUpload"
	OpGenerateInvoice = "generateInvoice"
)

// SLOTargetsMS are the p95 targets per operation in milliseconds.
// WARN fires at 0.75 of the target, ERROR at the target.
var SLOTargetsMS = map[string]float64{
	OpClockIn:         2000,
	OpClockOut:        1500,
	OpKVRead:          100,
	OpKVWrite:         200,
	OpObjectUpload:    1000,
	OpGenerateInvoice: 2000,
}

const (
	// WindowSize is the rolling sample retention per operation.
	WindowSize = 1000

	// RunBudget bounds one full probe pass.
	RunBudget = 20 * time.Second

	warnFraction = 0.75

	// ProbeObjectPath is the artifact written by the object-store probe.
	// Exempt from retention cleanup.
	ProbeObjectPath = "_probes/latency_test.txt"

	probeKVKey = "crewclock:probe:latency_test"

	// sentinelCompanyID scopes the synthetic query spans; no tenant data
	// matches it.
	sentinelCompanyID = snowflake.ID(0)
)

// Sample is one latency measurement.
type Sample struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	Op         string       `gorm:"not null;index:idx_probe_op,priority:1" json:"op"`
	DurationMS float64      `gorm:"not null" json:"durationMs"`
	Success    bool         `gorm:"not null" json:"success"`
	RecordedAt time.Time    `gorm:"not null;index:idx_probe_op,priority:2" json:"recordedAt"`
}

// TableName sets the database table name.
func (Sample) TableName() string { return "probe_samples" }

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Store   objectstore.Store
	Redis   *redis.Client            `optional:"true"`
	Metrics *obsmetrics.ProbeMetrics `optional:"true"`
}

// Prober runs the probe pass and keeps the sample windows.
type Prober struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	store   objectstore.Store
	redis   *redis.Client
	metrics *obsmetrics.ProbeMetrics
}

func New(p Params) *Prober {
	return &Prober{
		db:      p.DB,
		log:     p.Log.Named("probes"),
		genID:   p.GenID,
		clock:   p.Clock,
		store:   p.Store,
		redis:   p.Redis,
		metrics: p.Metrics,
	}
}

var Module = fx.Module("probes",
	fx.Provide(New),
)

// Run executes every probe once. Probe failures are recorded as failed
// samples, never propagated; the pass itself only fails on a window
// bookkeeping error.
func (p *Prober) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, RunBudget)
	defer cancel()

	probes := []struct {
		op string
		fn func(ctx context.Context) error
	}{
		{OpClockIn, p.probeClockInSpan},
		{OpClockOut, p.probeClockOutSpan},
		{OpGenerateInvoice, p.probeInvoiceSpan},
		{OpObjectUpload, p.probeObjectUpload},
	}
	if p.redis != nil {
		probes = append(probes,
			struct {
				op string
				fn func(ctx context.Context) error
			}{OpKVWrite, p.probeKVWrite},
			struct {
				op string
				fn func(ctx context.Context) error
			}{OpKVRead, p.probeKVRead},
		)
	}

	for _, probe := range probes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.measure(ctx, probe.op, probe.fn); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prober) measure(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	probeErr := fn(ctx)
	elapsed := time.Since(start)
	durationMS := float64(elapsed.Microseconds()) / 1000

	if err := p.record(ctx, op, durationMS, probeErr == nil); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.Observe(op, elapsed)
	}

	p.log.Info("performance_metric",
		zap.String("op", op),
		zap.Float64("durationMs", durationMS),
		zap.Bool("success", probeErr == nil),
	)
	if probeErr != nil {
		p.log.Warn("probe operation failed", zap.String("op", op), zap.Error(probeErr))
		return nil
	}

	p95, n, err := p.P95(ctx, op)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.SetP95(op, p95)
	}
	p.checkSLO(op, p95, n)
	return nil
}

// record appends the sample and trims the window to WindowSize.
func (p *Prober) record(ctx context.Context, op string, durationMS float64, success bool) error {
	sample := Sample{
		ID:         p.genID.Generate(),
		Op:         op,
		DurationMS: durationMS,
		Success:    success,
		RecordedAt: p.clock.Now(),
	}
	if err := p.db.WithContext(ctx).Create(&sample).Error; err != nil {
		return err
	}
	return p.db.WithContext(ctx).Exec(
		`DELETE FROM probe_samples
		 WHERE op = ? AND id NOT IN (
		   SELECT id FROM probe_samples
		   WHERE op = ?
		   ORDER BY recorded_at DESC, id DESC
		   LIMIT ?
		 )`,
		op, op, WindowSize,
	).Error
}

// P95 returns sorted[floor(0.95*N)] over the operation's current window,
// along with the window size. Zero samples yields zero.
func (p *Prober) P95(ctx context.Context, op string) (float64, int, error) {
	var durations []float64
	err := p.db.WithContext(ctx).
		Model(&Sample{}).
		Where("op = ?", op).
		Pluck("duration_ms", &durations).Error
	if err != nil {
		return 0, 0, err
	}
	if len(durations) == 0 {
		return 0, 0, nil
	}
	sort.Float64s(durations)
	idx := int(0.95 * float64(len(durations)))
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx], len(durations), nil
}

func (p *Prober) checkSLO(op string, p95 float64, n int) {
	target, ok := SLOTargetsMS[op]
	if !ok || n == 0 {
		return
	}
	fields := []zap.Field{
		zap.String("op", op),
		zap.Float64("p95Ms", p95),
		zap.Float64("targetMs", target),
		zap.Int("samples", n),
	}
	switch {
	case p95 >= target:
		p.log.Error("slo_breach", fields...)
	case p95 >= warnFraction*target:
		p.log.Warn("slo_at_risk", fields...)
	}
}

// probeClockInSpan runs the active-shift lookup and a sentinel entry
// insert+delete, the write path of a clock-in.
func (p *Prober) probeClockInSpan(ctx context.Context) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&timeentrydomain.TimeEntry{}).
			Where("company_id = ? AND clock_out_at IS NULL", sentinelCompanyID).
			Count(&count).Error; err != nil {
			return err
		}
		now := p.clock.Now()
		entry := timeentrydomain.TimeEntry{
			ID:            p.genID.Generate(),
			CompanyID:     sentinelCompanyID,
			UserID:        "probe",
			JobID:         0,
			ClockInAt:     now,
			ClientEventID: fmt.Sprintf("%d-probe", now.UnixMilli()),
			Status:        timeentrydomain.StatusActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return tx.Delete(&timeentrydomain.TimeEntry{}, "id = ?", entry.ID).Error
	})
}

// probeClockOutSpan runs the open-entry lookup a clock-out performs.
func (p *Prober) probeClockOutSpan(ctx context.Context) error {
	var entries []timeentrydomain.TimeEntry
	return p.db.WithContext(ctx).
		Where("company_id = ? AND user_id = ? AND clock_out_at IS NULL", sentinelCompanyID, "probe").
		Limit(1).
		Find(&entries).Error
}

// probeInvoiceSpan runs the billable-entry aggregation an invoice build
// performs.
func (p *Prober) probeInvoiceSpan(ctx context.Context) error {
	var count int64
	return p.db.WithContext(ctx).
		Model(&timeentrydomain.TimeEntry{}).
		Where("company_id = ? AND status = ? AND invoice_id IS NULL", sentinelCompanyID, timeentrydomain.StatusApproved).
		Count(&count).Error
}

func (p *Prober) probeObjectUpload(ctx context.Context) error {
	body := fmt.Sprintf("latency_test %s\n", p.clock.Now().UTC().Format(time.RFC3339Nano))
	return p.store.Put(ctx, ProbeObjectPath, []byte(body), "text/plain", nil)
}

func (p *Prober) probeKVWrite(ctx context.Context) error {
	return p.redis.Set(ctx, probeKVKey, p.clock.Now().UnixMilli(), time.Hour).Err()
}

func (p *Prober) probeKVRead(ctx context.Context) error {
	err := p.redis.Get(ctx, probeKVKey).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}
