package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var calls atomic.Int64
	for i := 0; i < 3; i++ {
		bus.SubscribeInvoiceCreated(func(ctx context.Context, ev InvoiceCreated) error {
			calls.Add(1)
			assert.Equal(t, int64(10), int64(ev.InvoiceID))
			return nil
		})
	}

	bus.PublishInvoiceCreated(context.Background(), InvoiceCreated{InvoiceID: 10, CompanyID: 1})
	bus.Wait()
	assert.Equal(t, int64(3), calls.Load())
}

func TestHandlerErrorDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var ok atomic.Bool
	bus.SubscribeInvoiceCreated(func(ctx context.Context, ev InvoiceCreated) error {
		return errors.New("boom")
	})
	bus.SubscribeInvoiceCreated(func(ctx context.Context, ev InvoiceCreated) error {
		ok.Store(true)
		return nil
	})

	bus.PublishInvoiceCreated(context.Background(), InvoiceCreated{InvoiceID: 1, CompanyID: 1})
	bus.Wait()
	assert.True(t, ok.Load())
}

func TestHandlerOutlivesCallerContext(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var sawCancel atomic.Bool
	bus.SubscribeInvoiceCreated(func(ctx context.Context, ev InvoiceCreated) error {
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.PublishInvoiceCreated(ctx, InvoiceCreated{InvoiceID: 1, CompanyID: 1})
	bus.Wait()
	assert.False(t, sawCancel.Load())
}
