package timeentry

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	auditrepo "github.com/paintops/crewclock/internal/audit/repository"
	auditservice "github.com/paintops/crewclock/internal/audit/service"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/internal/timeentry/domain"
	userdomain "github.com/paintops/crewclock/internal/user/domain"
	"github.com/paintops/crewclock/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	companyID      = snowflake.ID(100)
	otherCompanyID = snowflake.ID(200)
	jobID          = snowflake.ID(300)
	managerUID     = "manager-1"
	workerUID      = "worker-1"
	otherWorkerUID = "worker-2"
)

func setup(t *testing.T) (*Query, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&userdomain.User{},
		&domain.TimeEntry{},
		&auditdomain.SecurityEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC))

	auditSvc := auditservice.NewService(auditservice.Params{
		Log: zap.NewNop(), GenID: node, Clock: fake, Repo: auditrepo.Provide(gdb),
	})
	enforcer, err := authorization.NewEnforcer(gdb)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{
		DB: gdb, Log: zap.NewNop(), Enforcer: enforcer, AuditSvc: auditSvc,
	})

	q := NewQuery(Params{DB: gdb, Log: zap.NewNop(), Authz: authz, Audit: auditSvc})

	require.NoError(t, gdb.Create(&userdomain.User{UID: managerUID, CompanyID: companyID, Role: "manager"}).Error)
	require.NoError(t, gdb.Create(&userdomain.User{UID: workerUID, CompanyID: companyID, Role: "worker"}).Error)
	require.NoError(t, gdb.Create(&userdomain.User{UID: otherWorkerUID, CompanyID: companyID, Role: "worker"}).Error)

	return q, gdb
}

func seedEntry(t *testing.T, gdb *gorm.DB, id snowflake.ID, company snowflake.ID, uid string, clockIn time.Time, status domain.Status) {
	t.Helper()
	entry := domain.TimeEntry{
		ID:        id,
		CompanyID: company,
		UserID:    uid,
		JobID:     jobID,
		ClockInAt: clockIn,
		Status:    status,
		CreatedAt: clockIn,
		UpdatedAt: clockIn,
	}
	if status != domain.StatusActive {
		out := clockIn.Add(4 * time.Hour)
		entry.ClockOutAt = &out
	}
	require.NoError(t, gdb.Create(&entry).Error)
}

func managerCtx() context.Context {
	return tenant.WithPrincipal(context.Background(), tenant.Principal{
		UID: managerUID, CompanyID: companyID, Role: tenant.RoleManager,
	})
}

func workerCtx() context.Context {
	return tenant.WithPrincipal(context.Background(), tenant.Principal{
		UID: workerUID, CompanyID: companyID, Role: tenant.RoleWorker,
	})
}

func TestWorkerListsOwnEntriesOnly(t *testing.T) {
	q, gdb := setup(t)
	base := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	seedEntry(t, gdb, 1, companyID, workerUID, base, domain.StatusPending)
	seedEntry(t, gdb, 2, companyID, otherWorkerUID, base.Add(time.Hour), domain.StatusPending)

	entries, err := q.List(workerCtx(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, workerUID, entries[0].UserID)

	// A userId filter for someone else is overridden, not honored.
	entries, err = q.List(workerCtx(), ListFilter{UserID: otherWorkerUID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, workerUID, entries[0].UserID)
}

func TestManagerListsWholeCompany(t *testing.T) {
	q, gdb := setup(t)
	base := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	seedEntry(t, gdb, 1, companyID, workerUID, base, domain.StatusPending)
	seedEntry(t, gdb, 2, companyID, otherWorkerUID, base.Add(time.Hour), domain.StatusApproved)
	seedEntry(t, gdb, 3, otherCompanyID, "stranger", base, domain.StatusPending)

	entries, err := q.List(managerCtx(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, snowflake.ID(2), entries[0].ID)

	entries, err = q.List(managerCtx(), ListFilter{Status: domain.StatusApproved})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, otherWorkerUID, entries[0].UserID)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	q, _ := setup(t)

	_, err := q.List(managerCtx(), ListFilter{Status: "paused"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestListFiltersByWindow(t *testing.T) {
	q, gdb := setup(t)
	base := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	seedEntry(t, gdb, 1, companyID, workerUID, base, domain.StatusPending)
	seedEntry(t, gdb, 2, companyID, workerUID, base.AddDate(0, 0, 7), domain.StatusPending)

	entries, err := q.List(managerCtx(), ListFilter{
		From: base.AddDate(0, 0, 1),
		To:   base.AddDate(0, 0, 8),
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, snowflake.ID(2), entries[0].ID)
}

func TestWorkerCannotReadOthersEntry(t *testing.T) {
	q, gdb := setup(t)
	base := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	seedEntry(t, gdb, 1, companyID, otherWorkerUID, base, domain.StatusPending)

	_, err := q.Get(workerCtx(), 1)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	got, err := q.Get(managerCtx(), 1)
	require.NoError(t, err)
	assert.Equal(t, otherWorkerUID, got.UserID)
}

func TestFullPageCompanyListLeavesAuditTrail(t *testing.T) {
	q, gdb := setup(t)
	base := time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC)
	for i := 0; i < maxListLimit+5; i++ {
		seedEntry(t, gdb, snowflake.ID(1000+i), companyID, workerUID, base.Add(time.Duration(i)*time.Minute), domain.StatusPending)
	}

	entries, err := q.List(managerCtx(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, maxListLimit)

	var events []auditdomain.SecurityEvent
	require.NoError(t, gdb.Where("event_type = ?", auditdomain.EventMassDataExport).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, auditdomain.SeverityWarn, events[0].Severity)
	require.NotNil(t, events[0].ActorUID)
	assert.Equal(t, managerUID, *events[0].ActorUID)
}

func TestWorkerFullPageIsNotAnExport(t *testing.T) {
	q, gdb := setup(t)
	base := time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC)
	for i := 0; i < maxListLimit; i++ {
		seedEntry(t, gdb, snowflake.ID(2000+i), companyID, workerUID, base.Add(time.Duration(i)*time.Minute), domain.StatusPending)
	}

	entries, err := q.List(workerCtx(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, maxListLimit)

	var count int64
	require.NoError(t, gdb.Model(&auditdomain.SecurityEvent{}).
		Where("event_type = ?", auditdomain.EventMassDataExport).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCrossCompanyInvisible(t *testing.T) {
	q, gdb := setup(t)
	seedEntry(t, gdb, 9, otherCompanyID, "stranger", time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC), domain.StatusPending)

	_, err := q.Get(managerCtx(), 9)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}
