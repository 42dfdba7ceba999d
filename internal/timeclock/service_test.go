package timeclock

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
	auditservice "github.com/paintops/crewclock/internal/audit/service"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/config"
	"github.com/paintops/crewclock/internal/geofence"
	"github.com/paintops/crewclock/internal/idempotency"
	jobdomain "github.com/paintops/crewclock/internal/job/domain"
	"github.com/paintops/crewclock/internal/tenant"
	timeentrydomain "github.com/paintops/crewclock/internal/timeentry/domain"
	userdomain "github.com/paintops/crewclock/internal/user/domain"
	"github.com/paintops/crewclock/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	companyID = snowflake.ID(100)
	jobSiteID = snowflake.ID(200)
	workerUID = "worker-1"
)

// Job site at the Ferry Building, 150m fence.
const (
	siteLat = 37.7955
	siteLng = -122.3937
)

type fixture struct {
	svc   *Service
	gdb   *gorm.DB
	clock *clock.FakeClock
	cfg   config.Config
}

func setup(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&userdomain.User{},
		&jobdomain.Job{},
		&assignmentdomain.Assignment{},
		&timeentrydomain.TimeEntry{},
		&timeentrydomain.ClockEvent{},
		&idempotency.Record{},
		&auditdomain.SecurityEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))

	auditSvc := auditservice.NewService(auditservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  auditrepo.Provide(gdb),
	})
	enforcer, err := authorization.NewEnforcer(gdb)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{
		DB:       gdb,
		Log:      zap.NewNop(),
		Enforcer: enforcer,
		AuditSvc: auditSvc,
	})

	if cfg.AutoClockoutHours == 0 {
		cfg.AutoClockoutHours = 12
	}

	svc := NewService(Params{
		DB:    gdb,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Cfg:   cfg,
		Authz: authz,
		Idem:  idempotency.NewStore(idempotency.DefaultTTL),
	})

	require.NoError(t, gdb.Create(&userdomain.User{UID: workerUID, CompanyID: companyID, Role: "worker"}).Error)
	require.NoError(t, gdb.Create(&jobdomain.Job{
		ID: jobSiteID, CompanyID: companyID, Name: "Harbor Repaint",
		Lat: siteLat, Lng: siteLng, RadiusMeters: 150, Active: true,
	}).Error)
	require.NoError(t, gdb.Create(&assignmentdomain.Assignment{
		ID: 1, CompanyID: companyID, UserID: workerUID, JobID: jobSiteID,
		Active: true, StartDate: fake.Now().Add(-24 * time.Hour),
	}).Error)

	return &fixture{svc: svc, gdb: gdb, clock: fake, cfg: cfg}
}

func workerCtx() context.Context {
	return tenant.WithPrincipal(context.Background(), tenant.Principal{
		UID: workerUID, CompanyID: companyID, Role: tenant.RoleWorker,
	})
}

func (f *fixture) eventID() string {
	return fmt.Sprintf("%d-evt", f.clock.Now().UnixMilli())
}

func onSite() *geofence.Location {
	return &geofence.Location{Lat: siteLat, Lng: siteLng}
}

func offSite() *geofence.Location {
	// Roughly 1.1km north of the site.
	return &geofence.Location{Lat: siteLat + 0.01, Lng: siteLng}
}

func TestClockInOnSite(t *testing.T) {
	f := setup(t, config.Config{})
	res, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, string(timeentrydomain.StatusActive), res.Status)
	assert.Empty(t, res.Warnings)

	var entry timeentrydomain.TimeEntry
	require.NoError(t, f.gdb.First(&entry, "id = ?", res.TimeEntryID).Error)
	assert.True(t, entry.ClockInGeofenceValid)
	assert.True(t, entry.IsActive())
	assert.Empty(t, entry.ExceptionTags)

	var events []timeentrydomain.ClockEvent
	require.NoError(t, f.gdb.Find(&events, "time_entry_id = ?", entry.ID).Error)
	require.Len(t, events, 1)
	assert.Equal(t, timeentrydomain.ClockEventIn, events[0].Type)
}

func TestClockInOutsideFenceRejected(t *testing.T) {
	f := setup(t, config.Config{GeofenceClockInPolicy: "reject"})
	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: offSite(),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeFailedPrecondition, apperr.CodeOf(err))
	assert.Equal(t, "geofence_invalid", apperr.ReasonOf(err))

	var count int64
	require.NoError(t, f.gdb.Model(&timeentrydomain.TimeEntry{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestClockInOutsideFenceAllowPolicy(t *testing.T) {
	f := setup(t, config.Config{GeofenceClockInPolicy: "allow"})
	res, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: offSite(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warnings)

	var entry timeentrydomain.TimeEntry
	require.NoError(t, f.gdb.First(&entry, "id = ?", res.TimeEntryID).Error)
	assert.False(t, entry.ClockInGeofenceValid)
	assert.True(t, entry.NeedsReview)
	assert.True(t, entry.HasTag(timeentrydomain.TagGeofenceIn))
	assert.False(t, entry.HasTag(timeentrydomain.TagGeofenceOut))
}

func TestClockInMissingGPS(t *testing.T) {
	f := setup(t, config.Config{GeofenceClockInPolicy: "allow"})
	res, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(),
	})
	require.NoError(t, err)

	var entry timeentrydomain.TimeEntry
	require.NoError(t, f.gdb.First(&entry, "id = ?", res.TimeEntryID).Error)
	assert.True(t, entry.HasTag(timeentrydomain.TagGPSMissing))
	assert.True(t, entry.NeedsReview)
}

func TestClockInReplaysDuplicateEvent(t *testing.T) {
	f := setup(t, config.Config{})
	eventID := f.eventID()

	first, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: eventID, Location: onSite(),
	})
	require.NoError(t, err)

	second, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: eventID, Location: onSite(),
	})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TimeEntryID, second.TimeEntryID)

	var count int64
	require.NoError(t, f.gdb.Model(&timeentrydomain.TimeEntry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestClockInRejectsSecondActiveShift(t *testing.T) {
	f := setup(t, config.Config{})
	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.Error(t, err)
	assert.Equal(t, "already_clocked_in", apperr.ReasonOf(err))
}

func TestClockInRequiresAssignment(t *testing.T) {
	f := setup(t, config.Config{})
	require.NoError(t, f.gdb.Model(&assignmentdomain.Assignment{}).Where("id = ?", 1).Update("active", false).Error)

	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.Error(t, err)
	assert.Equal(t, "not_assigned", apperr.ReasonOf(err))
}

func TestClockInAssignmentWindow(t *testing.T) {
	f := setup(t, config.Config{})
	ended := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.gdb.Model(&assignmentdomain.Assignment{}).Where("id = ?", 1).Update("end_date", ended).Error)

	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.Error(t, err)
	assert.Equal(t, "not_assigned", apperr.ReasonOf(err))
}

func TestClockInUnknownOrInactiveJob(t *testing.T) {
	f := setup(t, config.Config{})

	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: 999, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	require.NoError(t, f.gdb.Model(&jobdomain.Job{}).Where("id = ?", jobSiteID).Update("active", false).Error)
	_, err = f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.Error(t, err)
	assert.Equal(t, "job_inactive", apperr.ReasonOf(err))
}

func TestClockInRejectsStaleEventID(t *testing.T) {
	f := setup(t, config.Config{})
	stale := fmt.Sprintf("%d-evt", f.clock.Now().Add(-25*time.Hour).UnixMilli())
	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: stale, Location: onSite(),
	})
	require.Error(t, err)
	assert.Equal(t, "expired_client_event_id", apperr.ReasonOf(err))
}

func TestClockOut(t *testing.T) {
	f := setup(t, config.Config{})
	in, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)

	f.clock.Advance(8 * time.Hour)
	out, err := f.svc.ClockOut(workerCtx(), ClockOutRequest{
		ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)
	assert.Equal(t, in.TimeEntryID, out.TimeEntryID)
	assert.Equal(t, string(timeentrydomain.StatusPending), out.Status)

	var entry timeentrydomain.TimeEntry
	require.NoError(t, f.gdb.First(&entry, "id = ?", out.TimeEntryID).Error)
	require.NotNil(t, entry.ClockOutAt)
	assert.Equal(t, 8*time.Hour, entry.ClockOutAt.Sub(entry.ClockInAt))
	require.NotNil(t, entry.ClockOutGeofenceValid)
	assert.True(t, *entry.ClockOutGeofenceValid)
	assert.False(t, entry.NeedsReview)
}

func TestClockOutOutsideFenceWarns(t *testing.T) {
	f := setup(t, config.Config{})
	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)

	f.clock.Advance(4 * time.Hour)
	out, err := f.svc.ClockOut(workerCtx(), ClockOutRequest{
		ClientEventID: f.eventID(), Location: offSite(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Warnings)

	var entry timeentrydomain.TimeEntry
	require.NoError(t, f.gdb.First(&entry, "id = ?", out.TimeEntryID).Error)
	assert.True(t, entry.HasTag(timeentrydomain.TagGeofenceOut))
	assert.True(t, entry.NeedsReview)
	require.NotNil(t, entry.ClockOutGeofenceValid)
	assert.False(t, *entry.ClockOutGeofenceValid)
}

func TestClockOutLongShiftTagged(t *testing.T) {
	f := setup(t, config.Config{})
	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)

	f.clock.Advance(13 * time.Hour)
	out, err := f.svc.ClockOut(workerCtx(), ClockOutRequest{
		ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)

	var entry timeentrydomain.TimeEntry
	require.NoError(t, f.gdb.First(&entry, "id = ?", out.TimeEntryID).Error)
	assert.True(t, entry.HasTag(timeentrydomain.TagExceeds12h))
	assert.True(t, entry.NeedsReview)
}

func TestClockOutExactCutoffTagged(t *testing.T) {
	f := setup(t, config.Config{})
	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)

	// A shift of exactly 12h is already over the line.
	f.clock.Advance(12 * time.Hour)
	out, err := f.svc.ClockOut(workerCtx(), ClockOutRequest{
		ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)

	var entry timeentrydomain.TimeEntry
	require.NoError(t, f.gdb.First(&entry, "id = ?", out.TimeEntryID).Error)
	assert.True(t, entry.HasTag(timeentrydomain.TagExceeds12h))
	assert.True(t, entry.NeedsReview)
}

func TestClockOutWithoutActiveShift(t *testing.T) {
	f := setup(t, config.Config{})
	_, err := f.svc.ClockOut(workerCtx(), ClockOutRequest{ClientEventID: f.eventID()})
	require.Error(t, err)
	assert.Equal(t, "not_clocked_in", apperr.ReasonOf(err))
}

func TestClockOutReplay(t *testing.T) {
	f := setup(t, config.Config{})
	_, err := f.svc.ClockIn(workerCtx(), ClockInRequest{
		JobID: jobSiteID, ClientEventID: f.eventID(), Location: onSite(),
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	eventID := f.eventID()
	first, err := f.svc.ClockOut(workerCtx(), ClockOutRequest{ClientEventID: eventID, Location: onSite()})
	require.NoError(t, err)

	second, err := f.svc.ClockOut(workerCtx(), ClockOutRequest{ClientEventID: eventID, Location: onSite()})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TimeEntryID, second.TimeEntryID)
}

func TestUnauthenticated(t *testing.T) {
	f := setup(t, config.Config{})
	_, err := f.svc.ClockIn(context.Background(), ClockInRequest{JobID: jobSiteID, ClientEventID: f.eventID()})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))
}
