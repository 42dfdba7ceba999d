package cleanup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	assignmentdomain "github.com/paintops/crewclock/internal/assignment/domain"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	auditrepo "github.com/paintops/crewclock/internal/audit/repository"
	"github.com/paintops/crewclock/internal/clock"
	estimatedomain "github.com/paintops/crewclock/internal/estimate/domain"
	"github.com/paintops/crewclock/internal/idempotency"
	"github.com/paintops/crewclock/internal/probes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	cleaner *Cleaner
	gdb     *gorm.DB
	clock   *clock.FakeClock
	nextID  snowflake.ID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&estimatedomain.Estimate{},
		&assignmentdomain.Assignment{},
		&auditdomain.SecurityEvent{},
		&probes.Sample{},
		&idempotency.Record{},
	))

	fake := clock.NewFakeClock(time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC))
	cleaner := New(Params{
		DB:        gdb,
		Log:       zap.NewNop(),
		Clock:     fake,
		AuditRepo: auditrepo.Provide(gdb),
		Idem:      idempotency.NewStore(0),
	})
	return &fixture{cleaner: cleaner, gdb: gdb, clock: fake, nextID: 1000}
}

func (f *fixture) id() snowflake.ID {
	f.nextID++
	return f.nextID
}

func (f *fixture) estimate(t *testing.T, status estimatedomain.Status, age time.Duration) snowflake.ID {
	t.Helper()
	id := f.id()
	require.NoError(t, f.gdb.Create(&estimatedomain.Estimate{
		ID: id, CompanyID: 100, CustomerID: 300, Status: status,
		CreatedAt: f.clock.Now().Add(-age), UpdatedAt: f.clock.Now().Add(-age),
	}).Error)
	return id
}

func (f *fixture) assignment(t *testing.T, active bool, endDate *time.Time) snowflake.ID {
	t.Helper()
	id := f.id()
	require.NoError(t, f.gdb.Create(&assignmentdomain.Assignment{
		ID: id, CompanyID: 100, UserID: "worker-1", JobID: 200,
		Active:    active,
		StartDate: f.clock.Now().AddDate(-5, 0, 0),
		EndDate:   endDate,
		CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
	}).Error)
	return id
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.gdb.Model(model).Count(&count).Error)
	return count
}

const year = 365 * 24 * time.Hour

func TestEstimateRetention(t *testing.T) {
	f := setup(t)
	oldDeclined := f.estimate(t, estimatedomain.StatusDeclined, 4*year)
	oldAccepted := f.estimate(t, estimatedomain.StatusAccepted, 4*year)
	recentDraft := f.estimate(t, estimatedomain.StatusDraft, 1*year)

	report, err := f.cleaner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Deleted["estimates"])

	var remaining []estimatedomain.Estimate
	require.NoError(t, f.gdb.Find(&remaining).Error)
	ids := map[snowflake.ID]bool{}
	for _, e := range remaining {
		ids[e.ID] = true
	}
	assert.False(t, ids[oldDeclined])
	assert.True(t, ids[oldAccepted], "accepted estimates are kept")
	assert.True(t, ids[recentDraft])
}

func TestAssignmentRetention(t *testing.T) {
	f := setup(t)
	oldEnd := f.clock.Now().AddDate(-3, 0, 0)
	recentEnd := f.clock.Now().AddDate(0, -6, 0)

	purged := f.assignment(t, false, &oldEnd)
	activeOld := f.assignment(t, true, &oldEnd)
	inactiveRecent := f.assignment(t, false, &recentEnd)
	inactiveOpen := f.assignment(t, false, nil)

	report, err := f.cleaner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Deleted["assignments"])

	var remaining []assignmentdomain.Assignment
	require.NoError(t, f.gdb.Find(&remaining).Error)
	ids := map[snowflake.ID]bool{}
	for _, a := range remaining {
		ids[a.ID] = true
	}
	assert.False(t, ids[purged])
	assert.True(t, ids[activeOld])
	assert.True(t, ids[inactiveRecent])
	assert.True(t, ids[inactiveOpen])
}

func TestAuditAndProbeRetention(t *testing.T) {
	f := setup(t)
	old := f.clock.Now().AddDate(-2, 0, 0)
	require.NoError(t, f.gdb.Create(&auditdomain.SecurityEvent{
		ID: f.id(), EventType: auditdomain.EventRoleChanged, ActorType: "user",
		TargetType: "user", CreatedAt: old,
	}).Error)
	require.NoError(t, f.gdb.Create(&auditdomain.SecurityEvent{
		ID: f.id(), EventType: auditdomain.EventRoleChanged, ActorType: "user",
		TargetType: "user", CreatedAt: f.clock.Now().AddDate(0, -1, 0),
	}).Error)
	require.NoError(t, f.gdb.Create(&probes.Sample{
		ID: f.id(), Op: probes.OpKVRead, DurationMS: 5, Success: true,
		RecordedAt: f.clock.Now().AddDate(0, 0, -45),
	}).Error)
	require.NoError(t, f.gdb.Create(&probes.Sample{
		ID: f.id(), Op: probes.OpKVRead, DurationMS: 5, Success: true,
		RecordedAt: f.clock.Now().AddDate(0, 0, -5),
	}).Error)

	report, err := f.cleaner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Deleted["security_audit_logs"])
	assert.Equal(t, int64(1), report.Deleted["probe_samples"])
	assert.Equal(t, int64(1), f.count(t, &auditdomain.SecurityEvent{}))
	assert.Equal(t, int64(1), f.count(t, &probes.Sample{}))
}

func TestExpiredIdempotencyRecordsPurged(t *testing.T) {
	f := setup(t)
	now := f.clock.Now()
	require.NoError(t, f.gdb.Create(&idempotency.Record{
		Key: "clockIn:100:expired", CompanyID: 100, Operation: "clockIn",
		ClientEventID: "expired", CreatedAt: now.Add(-72 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	}).Error)
	require.NoError(t, f.gdb.Create(&idempotency.Record{
		Key: "clockIn:100:live", CompanyID: 100, Operation: "clockIn",
		ClientEventID: "live", CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}).Error)

	report, err := f.cleaner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Deleted["idempotency_records"])

	var remaining []idempotency.Record
	require.NoError(t, f.gdb.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "clockIn:100:live", remaining[0].Key)
}

func TestDryRunCountsWithoutDeleting(t *testing.T) {
	f := setup(t)
	f.estimate(t, estimatedomain.StatusDeclined, 4*year)
	oldEnd := f.clock.Now().AddDate(-3, 0, 0)
	f.assignment(t, false, &oldEnd)

	report, err := f.cleaner.Run(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, int64(1), report.Deleted["estimates"])
	assert.Equal(t, int64(1), report.Deleted["assignments"])
	assert.Equal(t, int64(2), report.Total())

	assert.Equal(t, int64(1), f.count(t, &estimatedomain.Estimate{}))
	assert.Equal(t, int64(1), f.count(t, &assignmentdomain.Assignment{}))
}

func TestDrainsBacklogAcrossBatches(t *testing.T) {
	f := setup(t)
	old := f.clock.Now().AddDate(0, 0, -60)
	for i := 0; i < BatchSize+100; i++ {
		require.NoError(t, f.gdb.Create(&probes.Sample{
			ID: f.id(), Op: fmt.Sprintf("op-%d", i%3), DurationMS: 1, Success: true,
			RecordedAt: old,
		}).Error)
	}

	report, err := f.cleaner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(BatchSize+100), report.Deleted["probe_samples"])
	assert.Zero(t, f.count(t, &probes.Sample{}))
}
