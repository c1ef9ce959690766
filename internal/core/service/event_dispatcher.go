package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const publishTimeout = 5 * time.Second

// EventDispatcher hands committed-state events to a publisher from a pool of
// workers. Delivery is best effort: a full queue drops the event.
type EventDispatcher struct {
	publisher port.EventPublisher
	queue     chan domain.StockEvent
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewEventDispatcher(publisher port.EventPublisher, queueSize int, logger *zap.Logger) *EventDispatcher {
	return &EventDispatcher{
		publisher: publisher,
		queue:     make(chan domain.StockEvent, queueSize),
		logger:    logger,
	}
}

func (d *EventDispatcher) Start(workers int) {
	for i := 1; i <= workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Enqueue never blocks the caller.
func (d *EventDispatcher) Enqueue(event domain.StockEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	select {
	case d.queue <- event:
		return true
	default:
		d.logger.Warn("event queue full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.String("item_id", event.ItemID))
		return false
	}
}

// Close stops accepting events and waits for the workers to drain the queue.
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *EventDispatcher) workerLoop(id int) {
	defer d.wg.Done()
	d.logger.Debug("event worker started", zap.Int("worker", id))

	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.logger.Error("publish event failed",
				zap.Int("worker", id),
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)),
				zap.Error(err))
		}
		cancel()
	}

	d.logger.Debug("event worker stopped", zap.Int("worker", id))
}
