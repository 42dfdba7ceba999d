package pdf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/internal/clock"
	companydomain "github.com/paintops/crewclock/internal/company/domain"
	customerdomain "github.com/paintops/crewclock/internal/customer/domain"
	"github.com/paintops/crewclock/internal/events"
	invoicedomain "github.com/paintops/crewclock/internal/invoice/domain"
	"github.com/paintops/crewclock/internal/objectstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type PipelineParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Store    objectstore.Store
	Renderer *Renderer
}

// Pipeline turns committed invoices into stored PDF documents.
type Pipeline struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	store    objectstore.Store
	renderer *Renderer
}

func NewPipeline(p PipelineParams) *Pipeline {
	return &Pipeline{
		db:       p.DB,
		log:      p.Log.Named("pdf.pipeline"),
		clock:    p.Clock,
		store:    p.Store,
		renderer: p.Renderer,
	}
}

// Subscribe wires the pipeline onto the event bus.
func (p *Pipeline) Subscribe(bus *events.Bus) {
	bus.SubscribeInvoiceCreated(func(ctx context.Context, ev events.InvoiceCreated) error {
		return p.Generate(ctx, ev.CompanyID, ev.InvoiceID)
	})
}

// Generate renders and stores the document for one invoice, then marks
// the invoice. Failures are recorded on the invoice so the client can
// surface "generation failed" instead of polling forever.
func (p *Pipeline) Generate(ctx context.Context, companyID, invoiceID snowflake.ID) error {
	var invoice invoicedomain.Invoice
	err := p.db.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyID, invoiceID).
		First(&invoice).Error
	if err != nil {
		return fmt.Errorf("load invoice %s: %w", invoiceID, err)
	}

	if renderErr := p.renderAndStore(ctx, &invoice); renderErr != nil {
		p.log.Error("invoice pdf generation failed",
			zap.String("invoice_id", invoiceID.String()),
			zap.Error(renderErr),
		)
		now := p.clock.Now()
		msg := renderErr.Error()
		if err := p.db.WithContext(ctx).Model(&invoice).Updates(map[string]any{
			"pdf_error":    msg,
			"pdf_error_at": now,
			"updated_at":   now,
		}).Error; err != nil {
			return err
		}
		return renderErr
	}
	return nil
}

func (p *Pipeline) renderAndStore(ctx context.Context, invoice *invoicedomain.Invoice) error {
	var company companydomain.Company
	if err := p.db.WithContext(ctx).Where("id = ?", invoice.CompanyID).First(&company).Error; err != nil {
		return fmt.Errorf("load company: %w", err)
	}
	var customer customerdomain.Customer
	err := p.db.WithContext(ctx).
		Where("company_id = ? AND id = ?", invoice.CompanyID, invoice.CustomerID).
		First(&customer).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("load customer: %w", err)
	}

	data, err := p.renderer.Render(invoice, &company, &customer)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	now := p.clock.Now()
	path := ObjectPath(invoice)
	meta := map[string]string{
		"invoiceId":   invoice.ID.String(),
		"companyId":   invoice.CompanyID.String(),
		"customerId":  invoice.CustomerID.String(),
		"generatedAt": now.UTC().Format(time.RFC3339),
	}
	if err := p.store.Put(ctx, path, data, "application/pdf", meta); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := p.db.WithContext(ctx).Model(invoice).Updates(map[string]any{
		"pdf_path":         path,
		"pdf_generated_at": now,
		"pdf_error":        nil,
		"pdf_error_at":     nil,
		"updated_at":       now,
	}).Error; err != nil {
		return err
	}

	p.log.Info("invoice pdf generated",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("path", path),
		zap.Int("bytes", len(data)),
	)
	return nil
}
