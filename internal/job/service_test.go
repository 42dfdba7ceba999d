package job

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
	"github.com/paintops/crewclock/internal/job/domain"
	"github.com/paintops/crewclock/internal/tenant"
	userdomain "github.com/paintops/crewclock/internal/user/domain"
	"github.com/paintops/crewclock/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	companyID  = snowflake.ID(100)
	managerUID = "manager-1"
	workerUID  = "worker-1"
)

type fixture struct {
	svc   *Service
	gdb   *gorm.DB
	clock *clock.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&userdomain.User{},
		&domain.Job{},
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

	svc := NewService(Params{
		DB: gdb, Log: zap.NewNop(), GenID: node, Clock: fake, Authz: authz,
	})

	require.NoError(t, gdb.Create(&userdomain.User{UID: managerUID, CompanyID: companyID, Role: "manager"}).Error)
	require.NoError(t, gdb.Create(&userdomain.User{UID: workerUID, CompanyID: companyID, Role: "worker"}).Error)

	return &fixture{svc: svc, gdb: gdb, clock: fake}
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

func TestCreateAppliesEnvironmentDefaultRadius(t *testing.T) {
	f := setup(t)

	cases := []struct {
		env    domain.Environment
		radius float64
	}{
		{domain.EnvironmentUrban, 100},
		{domain.EnvironmentSuburban, 150},
		{domain.EnvironmentRural, 250},
		{"", 150},
	}
	for _, tc := range cases {
		job, err := f.svc.Create(managerCtx(), CreateRequest{
			Name: "Site " + string(tc.env), Lat: 37.77, Lng: -122.42, Environment: tc.env,
		})
		require.NoError(t, err)
		assert.Equal(t, tc.radius, job.RadiusMeters)
		assert.True(t, job.Active)
	}
}

func TestCreateRejectsRadiusOutOfRange(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Create(managerCtx(), CreateRequest{
		Name: "Tight fence", Lat: 37.77, Lng: -122.42, RadiusMeters: 50,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
	assert.Equal(t, "radius_out_of_range", apperr.ReasonOf(err))

	_, err = f.svc.Create(managerCtx(), CreateRequest{
		Name: "Wide fence", Lat: 37.77, Lng: -122.42, RadiusMeters: 300,
	})
	require.Error(t, err)
	assert.Equal(t, "radius_out_of_range", apperr.ReasonOf(err))
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Create(managerCtx(), CreateRequest{Lat: 37.77, Lng: -122.42})
	assert.Equal(t, "missing_name", apperr.ReasonOf(err))

	_, err = f.svc.Create(managerCtx(), CreateRequest{Name: "x", Lat: 91, Lng: 0})
	assert.Equal(t, "invalid_location", apperr.ReasonOf(err))

	_, err = f.svc.Create(managerCtx(), CreateRequest{Name: "x", Lat: 0, Lng: 0, Environment: "swamp"})
	assert.Equal(t, "invalid_environment", apperr.ReasonOf(err))
}

func TestWorkerCanViewButNotManage(t *testing.T) {
	f := setup(t)

	created, err := f.svc.Create(managerCtx(), CreateRequest{
		Name: "Harbor Repaint", Lat: 37.77, Lng: -122.42,
	})
	require.NoError(t, err)

	got, err := f.svc.Get(workerCtx(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = f.svc.Create(workerCtx(), CreateRequest{
		Name: "Rogue site", Lat: 37.77, Lng: -122.42,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
}

func TestUpdatePatchesFields(t *testing.T) {
	f := setup(t)

	created, err := f.svc.Create(managerCtx(), CreateRequest{
		Name: "Harbor Repaint", Lat: 37.77, Lng: -122.42,
	})
	require.NoError(t, err)

	radius := 200.0
	rate := 85.0
	active := false
	updated, err := f.svc.Update(managerCtx(), created.ID, UpdatePatch{
		RadiusMeters: &radius, HourlyRate: &rate, Active: &active,
	})
	require.NoError(t, err)
	assert.Equal(t, 200.0, updated.RadiusMeters)
	require.NotNil(t, updated.HourlyRate)
	assert.Equal(t, 85.0, *updated.HourlyRate)
	assert.False(t, updated.Active)

	bad := 10.0
	_, err = f.svc.Update(managerCtx(), created.ID, UpdatePatch{RadiusMeters: &bad})
	assert.Equal(t, "radius_out_of_range", apperr.ReasonOf(err))
}

func TestCrossCompanyInvisible(t *testing.T) {
	f := setup(t)

	other := domain.Job{
		ID: 999, CompanyID: 200, Name: "Elsewhere", Lat: 1, Lng: 1,
		RadiusMeters: 150, Environment: domain.EnvironmentSuburban, Active: true,
		CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
	}
	require.NoError(t, f.gdb.Create(&other).Error)

	_, err := f.svc.Get(managerCtx(), other.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	jobs, err := f.svc.List(managerCtx())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
