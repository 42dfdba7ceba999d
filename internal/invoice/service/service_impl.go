// Package service builds invoices from approved time entries. The builder
// is the only writer of invoices: it locks the entries, aggregates hours
// per job, resolves rates and links the entries to the new invoice in one
// serializable transaction.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	companydomain "github.com/paintops/crewclock/internal/company/domain"
	"github.com/paintops/crewclock/internal/config"
	customerdomain "github.com/paintops/crewclock/internal/customer/domain"
	"github.com/paintops/crewclock/internal/events"
	"github.com/paintops/crewclock/internal/hours"
	"github.com/paintops/crewclock/internal/idempotency"
	invoicedomain "github.com/paintops/crewclock/internal/invoice/domain"
	jobdomain "github.com/paintops/crewclock/internal/job/domain"
	"github.com/paintops/crewclock/internal/tenant"
	timeentrydomain "github.com/paintops/crewclock/internal/timeentry/domain"
	"github.com/paintops/crewclock/pkg/apperr"
	"github.com/paintops/crewclock/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FallbackHourlyRate applies when neither the job nor the company carries
// a rate. An explicit zero rate on either level is honored, not replaced.
const FallbackHourlyRate = 50.00

// MaxEntriesPerInvoice bounds one invoice; larger periods must be split.
const MaxEntriesPerInvoice = 500

const dueInDays = 30

const opGenerateInvoice = "generateInvoice"

type GenerateRequest struct {
	CustomerID snowflake.ID
	// Explicit entry selection; mutually exclusive with JobID+Period.
	TimeEntryIDs []snowflake.ID
	JobID        snowflake.ID
	PeriodStart  *time.Time
	PeriodEnd    *time.Time

	// DueDate defaults to 30 days out when zero.
	DueDate time.Time
	TaxRate *float64
	Notes   string
	// Optional retry token. When set, a duplicate call replays the
	// original invoice instead of double-billing the entries.
	ClientEventID string
}

type GenerateResult struct {
	Invoice         *invoicedomain.Invoice
	EntriesInvoiced int
	Replayed        bool
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config
	Authz authorization.Service
	Idem  *idempotency.Store
	Bus   *events.Bus
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   config.Config
	authz authorization.Service
	idem  *idempotency.Store
	bus   *events.Bus
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,
		cfg:   p.Cfg,
		authz: p.Authz,
		idem:  p.Idem,
		bus:   p.Bus,
	}
}

// Generate builds one invoice for the calling company.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ObjectInvoice, authorization.ActionInvoiceGenerate); err != nil {
		return nil, err
	}
	if req.CustomerID == 0 {
		return nil, apperr.InvalidArgument("missing_customer_id", "customerId is required")
	}
	if len(req.TimeEntryIDs) == 0 && req.JobID == 0 {
		return nil, apperr.InvalidArgument("missing_selection", "timeEntryIds or jobId with a period is required")
	}
	now := s.clock.Now()
	if req.ClientEventID != "" {
		if err := idempotency.ValidateClientEventID(req.ClientEventID, now); err != nil {
			return nil, err
		}
	}

	var result *GenerateResult
	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		if req.ClientEventID != "" {
			replay, err := s.lookupReplay(ctx, tx, principal.CompanyID, req.ClientEventID)
			if err != nil || replay != nil {
				result = replay
				return err
			}
		}

		company, err := s.loadCompany(ctx, tx, principal.CompanyID)
		if err != nil {
			return err
		}
		if err := s.checkCustomer(ctx, tx, principal.CompanyID, req.CustomerID); err != nil {
			return err
		}

		entries, err := s.loadEntries(ctx, tx, principal.CompanyID, req)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return apperr.FailedPrecondition("no_billable_entries", "no approved, unbilled entries match the selection")
		}
		if len(entries) > MaxEntriesPerInvoice {
			return apperr.Newf(apperr.CodeResourceExhausted, "too_many_entries",
				"invoice covers %d entries; the limit is %d", len(entries), MaxEntriesPerInvoice)
		}
		if problems := hours.ValidateForInvoicing(entries, principal.CompanyID); len(problems) > 0 {
			return apperr.New(apperr.CodeInvalidArgument, "unbillable_entries", strings.Join(problems, "; "))
		}

		items, amount, err := s.buildLineItems(ctx, tx, company, entries)
		if err != nil {
			return err
		}

		dueDate := req.DueDate
		if dueDate.IsZero() {
			dueDate = now.AddDate(0, 0, dueInDays)
		}
		// With explicit entry selection the job comes from the earliest
		// selected entry.
		jobID := req.JobID
		if jobID == 0 {
			jobID = entries[0].JobID
		}

		invoice := invoicedomain.Invoice{
			ID:         s.genID.Generate(),
			CompanyID:  principal.CompanyID,
			CustomerID: req.CustomerID,
			JobID:      jobID,
			Status:     invoicedomain.InvoiceStatusPending,
			Amount:     amount,
			Currency:   company.Currency,
			Items:      items,
			TaxRate:    req.TaxRate,
			Notes:      req.Notes,
			DueDate:    dueDate,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&invoice).Error; err != nil {
			return err
		}

		entryIDs := make([]snowflake.ID, 0, len(entries))
		for _, entry := range entries {
			entryIDs = append(entryIDs, entry.ID)
		}
		if err := tx.Model(&timeentrydomain.TimeEntry{}).
			Where("id IN ?", entryIDs).
			Updates(map[string]any{"invoice_id": invoice.ID, "invoiced_at": now, "updated_at": now}).Error; err != nil {
			return err
		}

		if req.ClientEventID != "" {
			if err := s.idem.PutTx(ctx, tx, opGenerateInvoice, principal.CompanyID, req.ClientEventID,
				map[string]any{"invoiceId": invoice.ID.String()}, now); err != nil {
				return err
			}
		}

		result = &GenerateResult{Invoice: &invoice, EntriesInvoiced: len(entries)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		s.bus.PublishInvoiceCreated(ctx, events.InvoiceCreated{
			InvoiceID: result.Invoice.ID,
			CompanyID: principal.CompanyID,
		})
		s.log.Info("invoice generated",
			zap.String("company_id", principal.CompanyID.String()),
			zap.String("invoice_id", result.Invoice.ID.String()),
			zap.Float64("amount", result.Invoice.Amount),
			zap.Int("line_items", len(result.Invoice.Items)),
		)
	}
	return result, nil
}

// Get returns one invoice in the caller's company.
func (s *Service) Get(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ObjectInvoice, authorization.ActionInvoiceView); err != nil {
		return nil, err
	}
	var invoice invoicedomain.Invoice
	err = s.db.WithContext(ctx).
		Where("company_id = ? AND id = ?", principal.CompanyID, invoiceID).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("invoice_not_found", "invoice does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// UpdatePatch carries the mutable invoice fields. Everything else on an
// invoice is frozen at generation time.
type UpdatePatch struct {
	Status  *invoicedomain.InvoiceStatus
	Notes   *string
	DueDate *time.Time
}

// Update patches status, notes or due date. Voiding goes through Void so
// the linked entries are released.
func (s *Service) Update(ctx context.Context, invoiceID snowflake.ID, patch UpdatePatch) (*invoicedomain.Invoice, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ObjectInvoice, authorization.ActionInvoiceUpdate); err != nil {
		return nil, err
	}
	if patch.Status != nil {
		if !invoicedomain.ValidStatus(*patch.Status) {
			return nil, apperr.Newf(apperr.CodeInvalidArgument, "bad_status", "unknown status %q", *patch.Status)
		}
		if *patch.Status == invoicedomain.InvoiceStatusVoid {
			return nil, apperr.InvalidArgument("use_void", "void an invoice through the void operation")
		}
	}

	now := s.clock.Now()
	var updated invoicedomain.Invoice
	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		var invoice invoicedomain.Invoice
		err := db.LockForUpdate(tx.WithContext(ctx)).
			Where("company_id = ? AND id = ?", principal.CompanyID, invoiceID).
			First(&invoice).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("invoice_not_found", "invoice does not exist in this company")
		}
		if err != nil {
			return err
		}
		if invoice.Status == invoicedomain.InvoiceStatusVoid {
			return apperr.FailedPrecondition("invoice_void", "a void invoice cannot be updated")
		}

		changes := map[string]any{}
		if patch.Status != nil && *patch.Status != invoice.Status {
			changes["status"] = *patch.Status
			invoice.Status = *patch.Status
		}
		if patch.Notes != nil && *patch.Notes != invoice.Notes {
			changes["notes"] = *patch.Notes
			invoice.Notes = *patch.Notes
		}
		if patch.DueDate != nil && !patch.DueDate.Equal(invoice.DueDate) {
			changes["due_date"] = patch.DueDate.UTC()
			invoice.DueDate = patch.DueDate.UTC()
		}
		if len(changes) == 0 {
			updated = invoice
			return nil
		}
		changes["updated_at"] = now
		invoice.UpdatedAt = now
		if err := tx.Model(&invoicedomain.Invoice{}).Where("id = ?", invoice.ID).Updates(changes).Error; err != nil {
			return err
		}
		updated = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice updated",
		zap.String("company_id", principal.CompanyID.String()),
		zap.String("invoice_id", updated.ID.String()),
		zap.String("updated_by", principal.UID),
	)
	return &updated, nil
}

// Void cancels a pending invoice and releases its entries for rebilling.
func (s *Service) Void(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ObjectInvoice, authorization.ActionInvoiceVoid); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var voided invoicedomain.Invoice
	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		var invoice invoicedomain.Invoice
		err := db.LockForUpdate(tx.WithContext(ctx)).
			Where("company_id = ? AND id = ?", principal.CompanyID, invoiceID).
			First(&invoice).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("invoice_not_found", "invoice does not exist in this company")
		}
		if err != nil {
			return err
		}
		if invoice.Status == invoicedomain.InvoiceStatusPaid {
			return apperr.FailedPrecondition("invoice_paid", "a paid invoice cannot be voided")
		}
		if invoice.Status == invoicedomain.InvoiceStatusVoid {
			voided = invoice
			return nil
		}

		if err := tx.Model(&invoice).Updates(map[string]any{"status": invoicedomain.InvoiceStatusVoid, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&timeentrydomain.TimeEntry{}).
			Where("company_id = ? AND invoice_id = ?", principal.CompanyID, invoice.ID).
			Updates(map[string]any{"invoice_id": nil, "invoiced_at": nil, "updated_at": now}).Error; err != nil {
			return err
		}
		invoice.Status = invoicedomain.InvoiceStatusVoid
		voided = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &voided, nil
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, object, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), object, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not manage invoices")
	}
	return err
}

func (s *Service) lookupReplay(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, clientEventID string) (*GenerateResult, error) {
	record, err := s.idem.Lookup(ctx, tx, idempotency.Key(opGenerateInvoice, companyID, clientEventID), s.clock.Now())
	if err != nil || record == nil {
		return nil, err
	}
	raw, _ := record.Result["invoiceId"].(string)
	invoiceID, err := snowflake.ParseString(raw)
	if err != nil {
		return nil, apperr.Internal("stored idempotency result is corrupt")
	}
	var invoice invoicedomain.Invoice
	if err := tx.WithContext(ctx).Where("company_id = ? AND id = ?", companyID, invoiceID).First(&invoice).Error; err != nil {
		return nil, err
	}
	var entryCount int64
	if err := tx.WithContext(ctx).Model(&timeentrydomain.TimeEntry{}).
		Where("company_id = ? AND invoice_id = ?", companyID, invoiceID).
		Count(&entryCount).Error; err != nil {
		return nil, err
	}
	return &GenerateResult{Invoice: &invoice, EntriesInvoiced: int(entryCount), Replayed: true}, nil
}

func (s *Service) loadCompany(ctx context.Context, tx *gorm.DB, companyID snowflake.ID) (*companydomain.Company, error) {
	var company companydomain.Company
	err := tx.WithContext(ctx).Where("id = ?", companyID).First(&company).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("company_not_found", "company does not exist")
	}
	if err != nil {
		return nil, err
	}
	return &company, nil
}

func (s *Service) checkCustomer(ctx context.Context, tx *gorm.DB, companyID, customerID snowflake.ID) error {
	var customer customerdomain.Customer
	err := tx.WithContext(ctx).Where("company_id = ? AND id = ?", companyID, customerID).First(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("customer_not_found", "customer does not exist in this company")
	}
	return err
}

func (s *Service) loadEntries(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, req GenerateRequest) ([]timeentrydomain.TimeEntry, error) {
	stmt := db.LockForUpdate(tx.WithContext(ctx)).Where("company_id = ?", companyID)
	if len(req.TimeEntryIDs) > 0 {
		stmt = stmt.Where("id IN ?", req.TimeEntryIDs)
	} else {
		if req.PeriodStart == nil || req.PeriodEnd == nil {
			return nil, apperr.InvalidArgument("missing_period", "periodStart and periodEnd are required with jobId")
		}
		if !req.PeriodEnd.After(*req.PeriodStart) {
			return nil, apperr.InvalidArgument("bad_period", "periodEnd must be after periodStart")
		}
		stmt = stmt.Where("job_id = ?", req.JobID).
			Where("status = ? AND invoice_id IS NULL", timeentrydomain.StatusApproved).
			Where("clock_in_at >= ? AND clock_in_at < ?", req.PeriodStart.UTC(), req.PeriodEnd.UTC())
	}

	var entries []timeentrydomain.TimeEntry
	if err := stmt.Order("clock_in_at asc").Find(&entries).Error; err != nil {
		return nil, err
	}
	if len(req.TimeEntryIDs) > 0 && len(entries) != len(req.TimeEntryIDs) {
		return nil, apperr.NotFound("entry_not_found", "one or more selected entries do not exist in this company")
	}
	return entries, nil
}

// buildLineItems groups entries per job and prices each job's rounded
// hours at the resolved rate.
func (s *Service) buildLineItems(ctx context.Context, tx *gorm.DB, company *companydomain.Company, entries []timeentrydomain.TimeEntry) ([]invoicedomain.LineItem, float64, error) {
	step := s.cfg.RoundingStepHours
	if step <= 0 {
		step = hours.DefaultStep
	}
	mode := hours.Mode(s.cfg.RoundingMode)
	if mode == "" {
		mode = hours.ModeNearest
	}

	grouped := hours.ByJob(entries)
	jobIDs := make([]snowflake.ID, 0, len(grouped))
	for jobID := range grouped {
		jobIDs = append(jobIDs, jobID)
	}

	var jobs []jobdomain.Job
	if err := tx.WithContext(ctx).Where("company_id = ? AND id IN ?", company.ID, jobIDs).Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	jobsByID := make(map[snowflake.ID]jobdomain.Job, len(jobs))
	for _, job := range jobs {
		jobsByID[job.ID] = job
	}

	sort.Slice(jobIDs, func(i, j int) bool {
		return jobsByID[jobIDs[i]].Name < jobsByID[jobIDs[j]].Name
	})

	var items []invoicedomain.LineItem
	var amount float64
	for _, jobID := range jobIDs {
		job, ok := jobsByID[jobID]
		if !ok {
			return nil, 0, apperr.NotFound("job_not_found", "an entry references a job outside this company")
		}
		jobHours, err := hours.CalculateHours(grouped[jobID], step, mode)
		if err != nil {
			return nil, 0, err
		}
		rate := resolveRate(job, company)
		items = append(items, invoicedomain.LineItem{
			Description: fmt.Sprintf("%s - Labor (%.2f hours @ $%.2f/hr)", job.Name, jobHours, rate),
			Quantity:    jobHours,
			UnitPrice:   rate,
		})
		amount += jobHours * rate
	}
	return items, amount, nil
}

// resolveRate walks job rate, then company default, then the fallback. A
// rate explicitly set to zero short-circuits the chain.
func resolveRate(job jobdomain.Job, company *companydomain.Company) float64 {
	if job.HourlyRate != nil {
		return *job.HourlyRate
	}
	if company.DefaultHourlyRate != nil {
		return *company.DefaultHourlyRate
	}
	return FallbackHourlyRate
}
