package advisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const defaultPriorityWindow = 1 * time.Hour

// priorityTracker remembers which symbols the user has viewed recently.
// Viewed symbols get the short cache TTL and jump the refresh queue; the
// priority decays after the window passes.
type priorityTracker struct {
	mu     sync.Mutex
	viewed map[string]time.Time
	window time.Duration

	now func() time.Time
}

func newPriorityTracker(window time.Duration) *priorityTracker {
	if window <= 0 {
		window = defaultPriorityWindow
	}
	return &priorityTracker{
		viewed: map[string]time.Time{},
		window: window,
		now:    time.Now,
	}
}

func (t *priorityTracker) MarkViewed(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewed[symbol] = t.now()
}

func (t *priorityTracker) IsPriority(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen, ok := t.viewed[symbol]
	if !ok {
		return false
	}
	if t.now().Sub(seen) > t.window {
		delete(t.viewed, symbol)
		return false
	}
	return true
}

// Count returns the number of symbols still inside the priority window.
func (t *priorityTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for symbol, seen := range t.viewed {
		if now.Sub(seen) > t.window {
			delete(t.viewed, symbol)
			continue
		}
		n++
	}
	return n
}

type queueItem struct {
	symbol     string
	priority   bool
	enqueuedAt time.Time
}

// updateQueue holds symbols whose cached quotes should be refreshed in the
// background. Enqueueing an already-queued symbol is a no-op except that a
// priority enqueue promotes a non-priority entry. Draining is paced by the
// fetcher's own limiter and stops as soon as quota exhaustion is detected,
// leaving the remaining items queued for the next drain.
type updateQueue struct {
	mu    sync.Mutex
	items map[string]*queueItem

	draining atomic.Bool
	logger   *slog.Logger
	refresh  func(ctx context.Context, symbol string) error
	quotaOut func() bool

	now func() time.Time
}

func newUpdateQueue(logger *slog.Logger, refresh func(ctx context.Context, symbol string) error, quotaOut func() bool) *updateQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &updateQueue{
		items:    map[string]*queueItem{},
		logger:   logger,
		refresh:  refresh,
		quotaOut: quotaOut,
		now:      time.Now,
	}
}

// Enqueue adds symbol for a background refresh. Idempotent per symbol;
// priority only ever ratchets up.
func (q *updateQueue) Enqueue(symbol string, priority bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[symbol]; ok {
		if priority && !item.priority {
			item.priority = true
		}
		return
	}
	q.items[symbol] = &queueItem{symbol: symbol, priority: priority, enqueuedAt: q.now()}
}

// Len reports the number of queued symbols.
func (q *updateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain refreshes queued symbols one at a time, priority entries first and
// FIFO within each class. Only one drain runs at a time; an overlapping call
// returns immediately. Returns the number of symbols refreshed.
func (q *updateQueue) Drain(ctx context.Context) int {
	if !q.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer q.draining.Store(false)

	batch := q.snapshot()
	refreshed := 0
	for _, item := range batch {
		if ctx.Err() != nil {
			return refreshed
		}
		if q.quotaOut != nil && q.quotaOut() {
			q.logger.Info("pausing queue drain, quota exhausted", "remaining", q.Len())
			return refreshed
		}
		if err := q.refresh(ctx, item.symbol); err != nil {
			if IsErrorCode(err, ErrCodeQuotaExhausted) {
				q.logger.Info("pausing queue drain, quota exhausted", "remaining", q.Len())
				return refreshed
			}
			// Transient failure: drop from this pass, keep queued for the next.
			q.logger.Warn("background refresh failed", "symbol", item.symbol, "error", err)
			continue
		}
		q.remove(item.symbol)
		refreshed++
	}
	return refreshed
}

// snapshot returns the queued items ordered priority-first, then by enqueue
// time.
func (q *updateQueue) snapshot() []*queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := make([]*queueItem, 0, len(q.items))
	for _, item := range q.items {
		batch = append(batch, item)
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].priority != batch[j].priority {
			return batch[i].priority
		}
		return batch[i].enqueuedAt.Before(batch[j].enqueuedAt)
	})
	return batch
}

func (q *updateQueue) remove(symbol string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, symbol)
}
