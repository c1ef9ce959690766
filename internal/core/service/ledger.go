package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const tracerName = "github.com/rl1809/stock-ledger/internal/core/service"

// Ledger is the only writer of an item's quantity snapshot. Every append
// computes before/after from the locked snapshot, assigns the next seq and
// writes the row and the snapshot through the same unit of work.
type Ledger struct {
	store  port.LedgerStore
	coord  *Coordinator
	events *EventDispatcher
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewLedger(store port.LedgerStore, coord *Coordinator, events *EventDispatcher, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		coord:  coord,
		events: events,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetQuantity returns the last committed quantity for the item.
func (l *Ledger) GetQuantity(ctx context.Context, itemID string) (int, error) {
	item, err := l.GetItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	return item.QuantityOnHand, nil
}

func (l *Ledger) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, domain.NewError(domain.ErrValidation, "item id is required")
	}

	var item *domain.Item
	err := l.coord.Do(ctx, "get_item", func(ctx context.Context) error {
		var err error
		item, err = l.store.GetItem(ctx, itemID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.NewError(domain.ErrItemNotFound, "item %s not found", itemID)
	}
	return item, nil
}

type Entry struct {
	ItemID       string
	Type         domain.TransactionType
	Delta        int
	Actor        string
	JobReference *string
	AllocationID *string
	Note         string
}

// AppendTransaction records a single entry in its own unit of work.
func (l *Ledger) AppendTransaction(ctx context.Context, e Entry) (*domain.StockTransaction, error) {
	if strings.TrimSpace(e.ItemID) == "" || strings.TrimSpace(e.Actor) == "" {
		return nil, domain.NewError(domain.ErrValidation, "item id and actor are required")
	}

	var txn *domain.StockTransaction
	err := l.mutate(ctx, "append_transaction", []string{e.ItemID}, func(ctx context.Context, u *unitOfWork) error {
		var err error
		txn, err = u.append(ctx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// mutate runs fn under the coordinator and publishes events for what it
// committed. A fresh unitOfWork is built for every attempt.
func (l *Ledger) mutate(ctx context.Context, name string, itemIDs []string, fn func(ctx context.Context, u *unitOfWork) error) error {
	ctx, span := l.tracer.Start(ctx, "ledger."+name, trace.WithAttributes(
		attribute.StringSlice("item.ids", itemIDs),
	))
	defer span.End()

	var committed *unitOfWork
	err := l.coord.Run(ctx, itemIDs, func(tx port.LedgerTx) error {
		u := &unitOfWork{
			ledger: l,
			tx:     tx,
			items:  make(map[string]*domain.Item),
			wasLow: make(map[string]bool),
		}
		if err := fn(ctx, u); err != nil {
			return err
		}
		committed = u
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return err
	}

	for _, txn := range committed.txns {
		l.logger.Info("stock transaction committed",
			zap.String("item_id", txn.ItemID),
			zap.Int64("seq", txn.Seq),
			zap.String("type", string(txn.Type)),
			zap.Int("delta", txn.QuantityDelta),
			zap.Int("quantity_after", txn.QuantityAfter),
			zap.String("actor", txn.Actor),
			zap.Stringp("job_id", txn.JobReference),
			zap.Stringp("allocation_id", txn.AllocationID),
		)
	}
	span.SetAttributes(attribute.Int("transactions", len(committed.txns)))
	l.publish(committed)
	return nil
}

func (l *Ledger) publish(u *unitOfWork) {
	if l.events == nil {
		return
	}
	now := l.now()
	for i := range u.txns {
		txn := u.txns[i]
		item := u.items[txn.ItemID]
		l.events.Enqueue(domain.StockEvent{
			ID:             uuid.NewString(),
			Type:           domain.EventTransactionCommitted,
			ItemID:         txn.ItemID,
			QuantityOnHand: txn.QuantityAfter,
			ReorderPoint:   item.ReorderPoint,
			Transaction:    &txn,
			OccurredAt:     now,
		})
	}
	for id, item := range u.items {
		if u.wasLow[id] || !item.IsLow() {
			continue
		}
		l.events.Enqueue(domain.StockEvent{
			ID:             uuid.NewString(),
			Type:           domain.EventLowStock,
			ItemID:         id,
			QuantityOnHand: item.QuantityOnHand,
			ReorderPoint:   item.ReorderPoint,
			OccurredAt:     now,
		})
	}
}

// unitOfWork caches locked item snapshots so several appends to the same
// item inside one operation chain correctly.
type unitOfWork struct {
	ledger *Ledger
	tx     port.LedgerTx
	items  map[string]*domain.Item
	wasLow map[string]bool
	txns   []domain.StockTransaction
}

func (u *unitOfWork) item(ctx context.Context, itemID string) (*domain.Item, error) {
	if item, ok := u.items[itemID]; ok {
		return item, nil
	}
	item, err := u.tx.Item(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.NewError(domain.ErrItemNotFound, "item %s not found", itemID)
	}
	u.items[itemID] = item
	u.wasLow[itemID] = item.IsLow()
	return item, nil
}

func (u *unitOfWork) append(ctx context.Context, e Entry) (*domain.StockTransaction, error) {
	if !e.Type.ValidDelta(e.Delta) {
		return nil, domain.NewError(domain.ErrValidation, "delta %d is not valid for a %s transaction", e.Delta, e.Type)
	}

	item, err := u.item(ctx, e.ItemID)
	if err != nil {
		return nil, err
	}

	after := item.QuantityOnHand + e.Delta
	if after < 0 {
		return nil, domain.NewError(domain.ErrInsufficientStock,
			"item %s has %d on hand, %s of %d would leave %d",
			item.ID, item.QuantityOnHand, e.Type, e.Delta, after)
	}

	now := u.ledger.now()
	txn := domain.StockTransaction{
		ID:             uuid.NewString(),
		ItemID:         item.ID,
		Seq:            item.LastSeq + 1,
		Type:           e.Type,
		QuantityDelta:  e.Delta,
		QuantityBefore: item.QuantityOnHand,
		QuantityAfter:  after,
		Actor:          e.Actor,
		JobReference:   e.JobReference,
		AllocationID:   e.AllocationID,
		Note:           e.Note,
		CreatedAt:      now,
	}

	if err := u.tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := u.tx.UpdateItemQuantity(ctx, item.ID, after, item.LastSeq, txn.Seq); err != nil {
		return nil, err
	}

	item.QuantityOnHand = after
	item.LastSeq = txn.Seq
	item.UpdatedAt = now
	u.txns = append(u.txns, txn)
	return &txn, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, domain.KindOf(err))
}
