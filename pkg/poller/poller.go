// Package poller keeps the quote cache populated for every instrument the
// UI currently cares about, using periodic batched reads against the
// upstream API. It complements the push feed: both write into the same
// cache and the cache does not care which path a quote came from.
package poller

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/yoniassia/etoroterminal-sub000/pkg/metrics"
	"github.com/yoniassia/etoroterminal-sub000/pkg/quote"
)

// Client is the slice of the transport the synchronizer needs.
type Client interface {
	Get(ctx context.Context, endpoint string, out interface{}) error
}

// Config holds synchronizer configuration.
type Config struct {
	// Interval is the polling cadence.
	Interval time.Duration
	// BatchSize caps how many instrument ids go into one upstream call.
	BatchSize int
	// Endpoint is the batched quote read path; ids are appended as a
	// comma-joined query parameter.
	Endpoint string

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// DefaultConfig returns default synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  3 * time.Second,
		BatchSize: 50,
		Endpoint:  "instruments/quotes",
	}
}

// Synchronizer owns the definition of the watched instrument set. It runs
// exactly one polling loop, started when the set becomes non-empty and
// stopped when it empties again; there is never a timer per instrument.
type Synchronizer struct {
	cfg    Config
	client Client
	cache  *quote.Cache
	logger log.Logger

	mu         sync.Mutex
	watched    map[int64]struct{}
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	closed     bool

	// inFlight guards against overlapping cycles: a tick that fires while
	// a cycle is still running is skipped, not queued.
	inFlight atomic.Bool

	cycles  atomic.Uint64
	skipped atomic.Uint64
}

// NewSynchronizer creates a synchronizer writing into cache.
func NewSynchronizer(cfg Config, client Client, cache *quote.Cache, logger log.Logger) *Synchronizer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	return &Synchronizer{
		cfg:     cfg,
		client:  client,
		cache:   cache,
		logger:  logger,
		watched: make(map[int64]struct{}),
	}
}

// Watch registers interest in an instrument. Watching an already-watched id
// is a no-op; interest is a set, not a refcount, because visible UI elements
// re-watch cheaply on remount. The polling loop starts when the set becomes
// non-empty.
func (s *Synchronizer) Watch(instrumentID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.watched[instrumentID]; ok {
		return
	}
	s.watched[instrumentID] = struct{}{}
	if len(s.watched) == 1 {
		s.startLoopLocked()
	}
}

// Unwatch removes interest in an instrument. The loop stops when the last
// watched id is removed.
func (s *Synchronizer) Unwatch(instrumentID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[instrumentID]; !ok {
		return
	}
	delete(s.watched, instrumentID)
	if len(s.watched) == 0 {
		s.stopLoopLocked()
	}
}

// Watched returns a snapshot of the watched instrument set.
func (s *Synchronizer) Watched() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.watched))
	for id := range s.watched {
		ids = append(ids, id)
	}
	return ids
}

// Cycles returns how many poll cycles have completed.
func (s *Synchronizer) Cycles() uint64 { return s.cycles.Load() }

// Close stops the loop and rejects further watches.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.watched = make(map[int64]struct{})
	s.stopLoopLocked()
}

func (s *Synchronizer) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	go s.run(ctx, s.loopDone)
	s.logger.Debug("Polling loop started", "interval", s.cfg.Interval)
}

func (s *Synchronizer) stopLoopLocked() {
	if s.loopCancel == nil {
		return
	}
	s.loopCancel()
	s.loopCancel = nil
	s.loopDone = nil
	s.logger.Debug("Polling loop stopped")
}

func (s *Synchronizer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// One immediate cycle so a freshly watched instrument does not wait a
	// full interval for its first quote.
	s.pollCycle(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollCycle(ctx)
		}
	}
}

func (s *Synchronizer) pollCycle(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.cfg.Metrics.RecordPollSkip()
		s.logger.Debug("Poll cycle still in flight, skipping tick")
		return
	}
	defer s.inFlight.Store(false)

	ids := s.Watched()
	if len(ids) == 0 {
		return
	}

	batches := batchIDs(ids, s.cfg.BatchSize)
	for _, batch := range batches {
		if ctx.Err() != nil {
			return
		}
		s.pollBatch(ctx, batch)
	}
	s.cycles.Add(1)
	s.cfg.Metrics.RecordPollCycle(len(batches))
}

// pollBatch fetches one batch and maps each returned item into a cache
// write. A failed call is logged and skipped; it stops neither the cycle
// nor the loop. Instruments absent from the response are left untouched.
func (s *Synchronizer) pollBatch(ctx context.Context, ids []int64) {
	endpoint := s.cfg.Endpoint + "?instrumentIds=" + joinIDs(ids)

	var raw []byte
	if err := s.client.Get(ctx, endpoint, (*jsonBytes)(&raw)); err != nil {
		s.logger.Warn("Poll batch failed", "instruments", len(ids), "error", err)
		return
	}

	ticks, errs := quote.DecodeTicks(raw)
	for _, err := range errs {
		s.logger.Warn("Bad quote in poll response", "error", err)
	}
	for _, tick := range ticks {
		s.cache.Write(tick.InstrumentID, tick.Update)
	}
}

// jsonBytes captures the raw response body through the transport's JSON
// decoding hook so the casing-tolerant tick decoder can do the parsing.
type jsonBytes []byte

func (b *jsonBytes) UnmarshalJSON(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}

func batchIDs(ids []int64, size int) [][]int64 {
	var batches [][]int64
	for len(ids) > size {
		batches = append(batches, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		batches = append(batches, ids)
	}
	return batches
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
