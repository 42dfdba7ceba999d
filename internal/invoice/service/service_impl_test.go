package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	auditrepo "github.com/paintops/crewclock/internal/audit/repository"
	auditservice "github.com/paintops/crewclock/internal/audit/service"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	companydomain "github.com/paintops/crewclock/internal/company/domain"
	"github.com/paintops/crewclock/internal/config"
	customerdomain "github.com/paintops/crewclock/internal/customer/domain"
	"github.com/paintops/crewclock/internal/events"
	"github.com/paintops/crewclock/internal/idempotency"
	invoicedomain "github.com/paintops/crewclock/internal/invoice/domain"
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
	companyID  = snowflake.ID(100)
	customerID = snowflake.ID(300)
	managerUID = "manager-1"
)

type fixture struct {
	svc    *Service
	gdb    *gorm.DB
	clock  *clock.FakeClock
	bus    *events.Bus
	nextID snowflake.ID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&userdomain.User{},
		&companydomain.Company{},
		&customerdomain.Customer{},
		&jobdomain.Job{},
		&timeentrydomain.TimeEntry{},
		&invoicedomain.Invoice{},
		&idempotency.Record{},
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

	bus := events.NewBus(zap.NewNop())
	svc := NewService(Params{
		DB:    gdb,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Cfg:   config.Config{RoundingStepHours: 0.25, RoundingMode: "nearest"},
		Authz: authz,
		Idem:  idempotency.NewStore(idempotency.DefaultTTL),
		Bus:   bus,
	})

	defaultRate := 55.0
	require.NoError(t, gdb.Create(&companydomain.Company{
		ID: companyID, Name: "Bayside Painting", Timezone: "America/Los_Angeles",
		Currency: "USD", DefaultHourlyRate: &defaultRate,
	}).Error)
	require.NoError(t, gdb.Create(&customerdomain.Customer{
		ID: customerID, CompanyID: companyID, Name: "Harborview HOA",
	}).Error)
	require.NoError(t, gdb.Create(&userdomain.User{UID: managerUID, CompanyID: companyID, Role: "manager"}).Error)

	jobRate := 72.0
	require.NoError(t, gdb.Create(&jobdomain.Job{
		ID: 200, CompanyID: companyID, Name: "Harbor Repaint",
		Lat: 37.7955, Lng: -122.3937, RadiusMeters: 150, Active: true, HourlyRate: &jobRate,
	}).Error)
	require.NoError(t, gdb.Create(&jobdomain.Job{
		ID: 201, CompanyID: companyID, Name: "Depot Interior",
		Lat: 37.80, Lng: -122.40, RadiusMeters: 100, Active: true,
	}).Error)

	return &fixture{svc: svc, gdb: gdb, clock: fake, bus: bus, nextID: 1000}
}

func (f *fixture) approvedEntry(t *testing.T, jobID snowflake.ID, dur time.Duration) snowflake.ID {
	t.Helper()
	f.nextID++
	in := f.clock.Now().Add(-48 * time.Hour)
	out := in.Add(dur)
	require.NoError(t, f.gdb.Create(&timeentrydomain.TimeEntry{
		ID: f.nextID, CompanyID: companyID, UserID: "worker-1", JobID: jobID,
		ClockInAt: in, ClockOutAt: &out, Status: timeentrydomain.StatusApproved,
	}).Error)
	// Stagger entries so intervals never collide.
	f.clock.Advance(time.Minute)
	return f.nextID
}

func managerCtx() context.Context {
	return tenant.WithPrincipal(context.Background(), tenant.Principal{
		UID: managerUID, CompanyID: companyID, Role: tenant.RoleManager,
	})
}

func hoursOf(d float64) time.Duration {
	return time.Duration(d * float64(time.Hour))
}

func TestGenerateAggregatesAndRounds(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{
		f.approvedEntry(t, 200, hoursOf(4.00)),
		f.approvedEntry(t, 200, hoursOf(3.17)), // rounds to 3.25
		f.approvedEntry(t, 200, hoursOf(3.40)), // rounds to 3.50
	}

	res, err := f.svc.Generate(managerCtx(), GenerateRequest{
		CustomerID:   customerID,
		TimeEntryIDs: ids,
	})
	require.NoError(t, err)
	f.bus.Wait()

	invoice := res.Invoice
	require.Len(t, invoice.Items, 1)
	item := invoice.Items[0]
	assert.InDelta(t, 10.75, item.Quantity, 1e-9)
	assert.InDelta(t, 72.0, item.UnitPrice, 1e-9)
	assert.Equal(t, "Harbor Repaint - Labor (10.75 hours @ $72.00/hr)", item.Description)
	assert.InDelta(t, 10.75*72.0, invoice.Amount, 1e-9)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, invoice.Status)
	assert.Equal(t, "USD", invoice.Currency)

	// The entries are now locked to the invoice.
	var locked int64
	require.NoError(t, f.gdb.Model(&timeentrydomain.TimeEntry{}).
		Where("invoice_id = ?", invoice.ID).Count(&locked).Error)
	assert.Equal(t, int64(3), locked)
}

func TestGenerateRateFallback(t *testing.T) {
	f := setup(t)
	// Job 201 has no rate, so the company default applies.
	ids := []snowflake.ID{f.approvedEntry(t, 201, hoursOf(2))}

	res, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)
	assert.InDelta(t, 55.0, res.Invoice.Items[0].UnitPrice, 1e-9)

	// Without a company default the global fallback applies.
	require.NoError(t, f.gdb.Model(&companydomain.Company{}).Where("id = ?", companyID).Update("default_hourly_rate", nil).Error)
	ids = []snowflake.ID{f.approvedEntry(t, 201, hoursOf(2))}
	res, err = f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)
	assert.InDelta(t, FallbackHourlyRate, res.Invoice.Items[0].UnitPrice, 1e-9)
}

func TestGenerateZeroRatePreserved(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.gdb.Model(&jobdomain.Job{}).Where("id = ?", 200).Update("hourly_rate", 0.0).Error)
	ids := []snowflake.ID{f.approvedEntry(t, 200, hoursOf(3))}

	res, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)
	assert.Zero(t, res.Invoice.Items[0].UnitPrice)
	assert.Zero(t, res.Invoice.Amount)
}

func TestGenerateMultiJobLineItems(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{
		f.approvedEntry(t, 200, hoursOf(4)),
		f.approvedEntry(t, 201, hoursOf(2)),
	}

	res, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)
	require.Len(t, res.Invoice.Items, 2)
	// Items are ordered by job name.
	assert.Contains(t, res.Invoice.Items[0].Description, "Depot Interior")
	assert.Contains(t, res.Invoice.Items[1].Description, "Harbor Repaint")
	assert.InDelta(t, 2*55.0+4*72.0, res.Invoice.Amount, 1e-9)
}

func TestGenerateRejectsUnbillableEntries(t *testing.T) {
	f := setup(t)
	pending := f.approvedEntry(t, 200, hoursOf(4))
	require.NoError(t, f.gdb.Model(&timeentrydomain.TimeEntry{}).
		Where("id = ?", pending).Update("status", timeentrydomain.StatusPending).Error)

	_, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: []snowflake.ID{pending}})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
	assert.Equal(t, "unbillable_entries", apperr.ReasonOf(err))
}

func TestGenerateRejectsDoubleBilling(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{f.approvedEntry(t, 200, hoursOf(4))}

	_, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)

	_, err = f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.Error(t, err)
	assert.Equal(t, "unbillable_entries", apperr.ReasonOf(err))
}

func TestGenerateIdempotentRetry(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{f.approvedEntry(t, 200, hoursOf(4))}
	eventID := fmt.Sprintf("%d-retry", f.clock.Now().UnixMilli())

	first, err := f.svc.Generate(managerCtx(), GenerateRequest{
		CustomerID: customerID, TimeEntryIDs: ids, ClientEventID: eventID,
	})
	require.NoError(t, err)

	second, err := f.svc.Generate(managerCtx(), GenerateRequest{
		CustomerID: customerID, TimeEntryIDs: ids, ClientEventID: eventID,
	})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Invoice.ID, second.Invoice.ID)

	var count int64
	require.NoError(t, f.gdb.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGenerateByJobAndPeriod(t *testing.T) {
	f := setup(t)
	f.approvedEntry(t, 200, hoursOf(4))
	f.approvedEntry(t, 200, hoursOf(3))

	start := f.clock.Now().Add(-72 * time.Hour)
	end := f.clock.Now()
	res, err := f.svc.Generate(managerCtx(), GenerateRequest{
		CustomerID:  customerID,
		JobID:       200,
		PeriodStart: &start,
		PeriodEnd:   &end,
	})
	require.NoError(t, err)
	require.Len(t, res.Invoice.Items, 1)
	assert.InDelta(t, 7.0, res.Invoice.Items[0].Quantity, 1e-9)
}

func TestGenerateEmptySelection(t *testing.T) {
	f := setup(t)
	start := f.clock.Now().Add(-time.Hour)
	end := f.clock.Now()
	_, err := f.svc.Generate(managerCtx(), GenerateRequest{
		CustomerID: customerID, JobID: 200, PeriodStart: &start, PeriodEnd: &end,
	})
	require.Error(t, err)
	assert.Equal(t, "no_billable_entries", apperr.ReasonOf(err))
}

func TestGeneratePublishesEvent(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{f.approvedEntry(t, 200, hoursOf(4))}

	got := make(chan events.InvoiceCreated, 1)
	f.bus.SubscribeInvoiceCreated(func(ctx context.Context, ev events.InvoiceCreated) error {
		got <- ev
		return nil
	})

	res, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)
	f.bus.Wait()

	ev := <-got
	assert.Equal(t, res.Invoice.ID, ev.InvoiceID)
	assert.Equal(t, companyID, ev.CompanyID)
}

func TestVoidReleasesEntries(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{f.approvedEntry(t, 200, hoursOf(4))}
	res, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)

	adminCtx := tenant.WithPrincipal(context.Background(), tenant.Principal{
		UID: "admin-1", CompanyID: companyID, Role: tenant.RoleAdmin,
	})
	require.NoError(t, f.gdb.Create(&userdomain.User{UID: "admin-1", CompanyID: companyID, Role: "admin"}).Error)

	voided, err := f.svc.Void(adminCtx, res.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, voided.Status)

	var entry timeentrydomain.TimeEntry
	require.NoError(t, f.gdb.First(&entry, "id = ?", ids[0]).Error)
	assert.Nil(t, entry.InvoiceID)

	// The manager role cannot void.
	res2, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)
	_, err = f.svc.Void(managerCtx(), res2.Invoice.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
}

func TestGenerateJobFromSelectedEntries(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{
		f.approvedEntry(t, 201, hoursOf(2)),
		f.approvedEntry(t, 200, hoursOf(4)),
	}

	// No jobId in the request; the earliest selected entry decides.
	res, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(201), res.Invoice.JobID)
}

func TestUpdateMutableFields(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{f.approvedEntry(t, 200, hoursOf(4))}
	res, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)

	paid := invoicedomain.InvoiceStatusPaid
	notes := "paid by check #4411"
	due := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	updated, err := f.svc.Update(managerCtx(), res.Invoice.ID, UpdatePatch{
		Status: &paid, Notes: &notes, DueDate: &due,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, updated.Status)
	assert.Equal(t, notes, updated.Notes)
	assert.True(t, updated.DueDate.Equal(due))

	var stored invoicedomain.Invoice
	require.NoError(t, f.gdb.First(&stored, "id = ?", res.Invoice.ID).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
	assert.Equal(t, notes, stored.Notes)
}

func TestUpdateRejectsVoidTransitions(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{f.approvedEntry(t, 200, hoursOf(4))}
	res, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)

	bogus := invoicedomain.InvoiceStatus("overdue")
	_, err = f.svc.Update(managerCtx(), res.Invoice.ID, UpdatePatch{Status: &bogus})
	require.Error(t, err)
	assert.Equal(t, "bad_status", apperr.ReasonOf(err))

	// Voiding releases entries, so it only goes through Void.
	void := invoicedomain.InvoiceStatusVoid
	_, err = f.svc.Update(managerCtx(), res.Invoice.ID, UpdatePatch{Status: &void})
	require.Error(t, err)
	assert.Equal(t, "use_void", apperr.ReasonOf(err))

	adminCtx := tenant.WithPrincipal(context.Background(), tenant.Principal{
		UID: "admin-1", CompanyID: companyID, Role: tenant.RoleAdmin,
	})
	require.NoError(t, f.gdb.Create(&userdomain.User{UID: "admin-1", CompanyID: companyID, Role: "admin"}).Error)
	_, err = f.svc.Void(adminCtx, res.Invoice.ID)
	require.NoError(t, err)

	notes := "too late"
	_, err = f.svc.Update(managerCtx(), res.Invoice.ID, UpdatePatch{Notes: &notes})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeFailedPrecondition, apperr.CodeOf(err))
	assert.Equal(t, "invoice_void", apperr.ReasonOf(err))
}

func TestUpdateRequiresManagerRole(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{f.approvedEntry(t, 200, hoursOf(4))}
	res, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: customerID, TimeEntryIDs: ids})
	require.NoError(t, err)

	require.NoError(t, f.gdb.Create(&userdomain.User{UID: "worker-1", CompanyID: companyID, Role: "worker"}).Error)
	workerCtx := tenant.WithPrincipal(context.Background(), tenant.Principal{
		UID: "worker-1", CompanyID: companyID, Role: tenant.RoleWorker,
	})
	notes := "sneaky"
	_, err = f.svc.Update(workerCtx, res.Invoice.ID, UpdatePatch{Notes: &notes})
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
}

func TestGenerateUnknownCustomer(t *testing.T) {
	f := setup(t)
	ids := []snowflake.ID{f.approvedEntry(t, 200, hoursOf(4))}
	_, err := f.svc.Generate(managerCtx(), GenerateRequest{CustomerID: 999, TimeEntryIDs: ids})
	require.Error(t, err)
	assert.Equal(t, "customer_not_found", apperr.ReasonOf(err))
}
