package pdf

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/config"
	"github.com/paintops/crewclock/internal/events"
	invoicedomain "github.com/paintops/crewclock/internal/invoice/domain"
	"github.com/paintops/crewclock/internal/objectstore"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Cfg      config.Config
	Store    objectstore.Store
	Authz    authorization.Service
	Pipeline *Pipeline
}

// Service answers PDF URL requests and explicit regeneration.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	cfg      config.Config
	store    objectstore.Store
	authz    authorization.Service
	pipeline *Pipeline
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("pdf.service"),
		clock:    p.Clock,
		cfg:      p.Cfg,
		store:    p.Store,
		authz:    p.Authz,
		pipeline: p.Pipeline,
	}
}

// URLResult carries the signed URL and its expiry.
type URLResult struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GetURL returns a signed download URL for a generated invoice PDF.
func (s *Service) GetURL(ctx context.Context, invoiceID snowflake.ID, ttl time.Duration) (*URLResult, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionInvoicePDFView); err != nil {
		return nil, err
	}

	invoice, err := s.loadInvoice(ctx, principal.CompanyID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.PDFPath == nil {
		if invoice.PDFError != nil {
			return nil, apperr.FailedPrecondition("pdf_not_ready", "PDF generation failed; regenerate the document")
		}
		return nil, apperr.FailedPrecondition("pdf_not_ready", "PDF is still being generated")
	}

	defaultTTL := time.Duration(s.cfg.SignedURLDefaultSecs) * time.Second
	if defaultTTL <= 0 {
		defaultTTL = objectstore.DefaultURLTTL
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl > objectstore.MaxURLTTL {
		ttl = objectstore.MaxURLTTL
	}

	now := s.clock.Now()
	url, err := s.store.SignedURL(*invoice.PDFPath, ttl, now)
	if err != nil {
		return nil, err
	}
	return &URLResult{URL: url, ExpiresAt: now.Add(ttl)}, nil
}

// Regenerate re-renders the document synchronously.
func (s *Service) Regenerate(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionInvoicePDFRegenerate); err != nil {
		return nil, err
	}
	if _, err := s.loadInvoice(ctx, principal.CompanyID, invoiceID); err != nil {
		return nil, err
	}
	if err := s.pipeline.Generate(ctx, principal.CompanyID, invoiceID); err != nil {
		return nil, apperr.Internal("PDF generation failed")
	}
	return s.loadInvoice(ctx, principal.CompanyID, invoiceID)
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), authorization.ObjectInvoicePDF, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not access invoice documents")
	}
	return err
}

func (s *Service) loadInvoice(ctx context.Context, companyID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyID, invoiceID).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("invoice_not_found", "invoice does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

var Module = fx.Module("pdf",
	fx.Provide(NewRenderer),
	fx.Provide(NewPipeline),
	fx.Provide(NewService),
	fx.Invoke(func(pipeline *Pipeline, bus *events.Bus) {
		pipeline.Subscribe(bus)
	}),
)
