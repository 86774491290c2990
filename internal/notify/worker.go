package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kamau-dev/backend-duka/internal/lock"
	"github.com/kamau-dev/backend-duka/internal/queue"
)

// DeliveryWorker executes webhook delivery tasks under a per-delivery lock so
// the queue worker and the polling loop never race on the same row.
type DeliveryWorker struct {
	Dispatcher *Dispatcher
	Locker     lock.Locker
	LockTTL    time.Duration
}

// Handle processes one queue task whose payload is a delivery ID.
func (w DeliveryWorker) Handle(ctx context.Context, task queue.Task) error {
	if w.Dispatcher == nil {
		return errors.New("notify: delivery worker dispatcher not configured")
	}
	deliveryID := strings.TrimSpace(string(task.Payload))
	if deliveryID == "" {
		return nil
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key := fmt.Sprintf("lock:delivery:%s", deliveryID)
	return w.Locker.WithLock(ctx, key, ttl, func(ctx context.Context) error {
		return w.Dispatcher.DeliverByID(ctx, deliveryID)
	})
}
