// Package events is the in-process bus that decouples invoice creation
// from PDF generation. Handlers run on their own goroutine; a slow
// consumer never stalls the publishing transaction.
package events

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewBus),
)

// InvoiceCreated fires after an invoice transaction commits.
type InvoiceCreated struct {
	InvoiceID snowflake.ID
	CompanyID snowflake.ID
}

// Handler consumes one event. Returned errors are logged, not retried;
// consumers that need retries keep their own durable state.
type Handler func(ctx context.Context, ev InvoiceCreated) error

type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	wg       sync.WaitGroup
	log      *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log.Named("events.bus")}
}

// SubscribeInvoiceCreated registers a handler for invoice-created events.
func (b *Bus) SubscribeInvoiceCreated(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// PublishInvoiceCreated dispatches ev to every subscriber asynchronously.
// Call only after the invoice transaction has committed.
func (b *Bus) PublishInvoiceCreated(ctx context.Context, ev InvoiceCreated) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			if err := h(context.WithoutCancel(ctx), ev); err != nil {
				b.log.Error("invoice created handler failed",
					zap.String("invoice_id", ev.InvoiceID.String()),
					zap.String("company_id", ev.CompanyID.String()),
					zap.Error(err),
				)
			}
		}(h)
	}
}

// Wait blocks until in-flight handlers finish. Used in tests and shutdown.
func (b *Bus) Wait() { b.wg.Wait() }
