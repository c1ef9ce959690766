package event

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// LogPublisher is used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event domain.StockEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("item_id", event.ItemID),
		zap.Int("quantity_on_hand", event.QuantityOnHand),
		zap.Int("reorder_point", event.ReorderPoint),
	}
	if event.Transaction != nil {
		fields = append(fields, zap.Int64("seq", event.Transaction.Seq))
	}
	p.logger.Info("stock event", fields...)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
