package orders

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"

	"github.com/yoniassia/etoroterminal-sub000/pkg/metrics"
)

// LocalIDPrefix distinguishes optimistic ids from server-issued ones.
const LocalIDPrefix = "local-"

// DefaultUnknownAfter is how long an optimistic entry may wait for an
// acknowledgement before it is flagged unknown.
const DefaultUnknownAfter = 30 * time.Second

// LedgerParams configures a Ledger.
type LedgerParams struct {
	// UnknownAfter overrides DefaultUnknownAfter.
	UnknownAfter time.Duration

	// Journal receives every mutation for the session audit trail. Nil
	// disables journaling.
	Journal *Journal

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// OrderCallback observes mutations of one order.
type OrderCallback func(Order)

// ListCallback observes the full re-sorted order list after any mutation.
type ListCallback func([]Order)

// Ledger is the session-wide order book of intent: every submitted trade
// lives here from the moment the user asks for it, before the server has
// said anything. Entries are never silently deleted; they remain for the
// session's history display.
//
// The optimistic/real id swap in Reconcile is atomic under the ledger lock
// (the single-threaded host assumption of the original design maps to this
// mutex).
type Ledger struct {
	p      LedgerParams
	logger log.Logger

	mu      sync.Mutex
	entries map[string]*Order
	timers  map[string]*time.Timer

	orderSubs  map[string]map[uint64]OrderCallback
	globalSubs map[uint64]ListCallback
	nextSubID  uint64
}

// NewLedger creates an empty order ledger.
func NewLedger(p LedgerParams, logger log.Logger) *Ledger {
	if p.UnknownAfter <= 0 {
		p.UnknownAfter = DefaultUnknownAfter
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Ledger{
		p:          p,
		logger:     logger,
		entries:    make(map[string]*Order),
		timers:     make(map[string]*time.Timer),
		orderSubs:  make(map[string]map[uint64]OrderCallback),
		globalSubs: make(map[uint64]ListCallback),
	}
}

// SubmitOptimistic synchronously creates and stores a pending entry under a
// fresh local id, arms the unknown-outcome timer, and notifies subscribers.
// The caller gets the local id back before any network round trip can have
// happened.
func (l *Ledger) SubmitOptimistic(params Params) string {
	now := l.p.Now()
	localID := fmt.Sprintf("%s%d-%s", LocalIDPrefix, now.UnixMilli(), uuid.NewString()[:8])

	entry := &Order{
		ID:             localID,
		InstrumentID:   params.InstrumentID,
		Side:           params.Side,
		Type:           params.Type,
		Amount:         params.Amount,
		Leverage:       params.Leverage,
		StopLossRate:   params.StopLossRate,
		TakeProfitRate: params.TakeProfitRate,
		Status:         StatusPending,
		Optimistic:     true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	l.mu.Lock()
	l.entries[localID] = entry
	l.timers[localID] = time.AfterFunc(l.p.UnknownAfter, func() {
		l.markUnknown(localID)
	})
	notify := l.notificationLocked(localID, *entry)
	l.mu.Unlock()

	l.journal(*entry)
	l.p.Metrics.RecordOrder("submitted")
	notify()
	l.logger.Info("Order submitted optimistically",
		"orderID", localID,
		"instrumentID", params.InstrumentID,
		"side", params.Side,
		"amount", params.Amount)
	return localID
}

// Reconcile replaces the optimistic entry with the server-confirmed one:
// the local id is removed, the entry is re-inserted under the real id with
// the patch applied, CreatedAt is preserved and the timer cancelled.
// Subscribers are notified under the new id only; callers needing
// continuity across the swap use the global subscription.
//
// Calling it for an id that no longer exists, or is no longer optimistic,
// is a silent no-op: races between the timeout and the network response are
// expected and not erroneous.
func (l *Ledger) Reconcile(localID, realID string, patch Patch) {
	l.mu.Lock()
	entry, ok := l.entries[localID]
	if !ok || !entry.Optimistic {
		l.mu.Unlock()
		return
	}

	l.stopTimerLocked(localID)
	delete(l.entries, localID)

	entry.ID = realID
	entry.Optimistic = false
	entry.Unknown = false
	patch.apply(entry)
	entry.UpdatedAt = l.p.Now()
	l.entries[realID] = entry

	notify := l.notificationLocked(realID, *entry)
	snapshot := *entry
	l.mu.Unlock()

	l.journal(snapshot)
	l.p.Metrics.RecordOrder("reconciled")
	notify()
	l.logger.Info("Order reconciled",
		"localID", localID, "orderID", realID, "status", snapshot.Status)
}

// MarkFailed flips the entry to rejected in place, keeping its id, and
// cancels the timer. Unknown ids are a silent no-op, as are repeated calls.
func (l *Ledger) MarkFailed(id string, patch Patch) {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return
	}

	l.stopTimerLocked(id)
	entry.Status = StatusRejected
	entry.Optimistic = false
	entry.Unknown = false
	patch.apply(entry)
	entry.UpdatedAt = l.p.Now()

	notify := l.notificationLocked(id, *entry)
	snapshot := *entry
	l.mu.Unlock()

	l.journal(snapshot)
	l.p.Metrics.RecordOrder("rejected")
	notify()
	l.logger.Warn("Order failed", "orderID", id, "reason", snapshot.Reason)
}

// markUnknown fires when the acknowledgement window closes without an
// answer. The entry stays pending; only the unknown flag is raised.
func (l *Ledger) markUnknown(id string) {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok || !entry.Optimistic || entry.Status != StatusPending {
		l.mu.Unlock()
		return
	}
	delete(l.timers, id)
	entry.Unknown = true
	entry.UpdatedAt = l.p.Now()

	notify := l.notificationLocked(id, *entry)
	snapshot := *entry
	l.mu.Unlock()

	l.journal(snapshot)
	l.p.Metrics.RecordOrder("unknown")
	notify()
	l.logger.Warn("Order outcome unknown after timeout", "orderID", id)
}

// Get returns the entry stored under id.
func (l *Ledger) Get(id string) (Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[id]
	if !ok {
		return Order{}, false
	}
	return *entry, true
}

// Orders returns a most-recent-first snapshot of every entry.
func (l *Ledger) Orders() []Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

// Len returns the number of ledger entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// SubscribeOrder registers a callback for mutations of one order id and
// returns its disposer. A subscription to a local id receives nothing
// further once the entry is reconciled under its real id.
func (l *Ledger) SubscribeOrder(id string, cb OrderCallback) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSubID++
	subID := l.nextSubID
	if l.orderSubs[id] == nil {
		l.orderSubs[id] = make(map[uint64]OrderCallback)
	}
	l.orderSubs[id][subID] = cb

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.orderSubs[id], subID)
		if len(l.orderSubs[id]) == 0 {
			delete(l.orderSubs, id)
		}
	}
}

// SubscribeAll registers a callback observing the full re-sorted order list
// after every mutation, independent of per-order subscriptions.
func (l *Ledger) SubscribeAll(cb ListCallback) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSubID++
	subID := l.nextSubID
	l.globalSubs[subID] = cb

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.globalSubs, subID)
	}
}

// notificationLocked snapshots the subscribers and list for one mutation.
// The returned closure is invoked after the lock is released so callbacks
// may call back into the ledger; per-callback panics are isolated.
func (l *Ledger) notificationLocked(id string, entry Order) func() {
	perOrder := make([]OrderCallback, 0, len(l.orderSubs[id]))
	for _, cb := range l.orderSubs[id] {
		perOrder = append(perOrder, cb)
	}
	var global []ListCallback
	var list []Order
	if len(l.globalSubs) > 0 {
		global = make([]ListCallback, 0, len(l.globalSubs))
		for _, cb := range l.globalSubs {
			global = append(global, cb)
		}
		list = l.sortedLocked()
	}

	return func() {
		for _, cb := range perOrder {
			l.invoke(func() { cb(entry) })
		}
		for _, cb := range global {
			l.invoke(func() { cb(list) })
		}
	}
}

func (l *Ledger) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Order subscriber panicked", "panic", r)
		}
	}()
	fn()
}

func (l *Ledger) sortedLocked() []Order {
	list := make([]Order, 0, len(l.entries))
	for _, entry := range l.entries {
		list = append(list, *entry)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID > list[j].ID
	})
	return list
}

func (l *Ledger) stopTimerLocked(id string) {
	if timer, ok := l.timers[id]; ok {
		timer.Stop()
		delete(l.timers, id)
	}
}

func (l *Ledger) journal(entry Order) {
	if l.p.Journal == nil {
		return
	}
	if err := l.p.Journal.Record(entry); err != nil {
		l.logger.Error("Journal write failed", "orderID", entry.ID, "error", err)
	}
}

// IsLocalID reports whether id is an optimistic local id rather than a
// server-issued one.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}
