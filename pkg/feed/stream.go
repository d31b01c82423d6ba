// Package feed consumes push-channel quote updates and writes them into the
// quote cache. From the cache's perspective a feed is interchangeable with
// the polling synchronizer; both are just producers. Two sources are
// supported: an upstream websocket stream and a NATS subject tree.
package feed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/yoniassia/etoroterminal-sub000/pkg/quote"
)

// StreamConfig holds websocket feed configuration.
type StreamConfig struct {
	// URL is the upstream streaming endpoint.
	URL string

	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	PongTimeout      time.Duration

	// ReconnectMin/Max bound the backoff between dial attempts; the delay
	// doubles per consecutive failure.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultStreamConfig returns default websocket feed configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		HandshakeTimeout: 15 * time.Second,
		PingPeriod:       15 * time.Second,
		PongTimeout:      60 * time.Second,
		ReconnectMin:     time.Second,
		ReconnectMax:     30 * time.Second,
	}
}

// Stream is a reconnecting websocket consumer of unsolicited quote ticks.
type Stream struct {
	cfg    StreamConfig
	cache  *quote.Cache
	logger log.Logger

	received atomic.Uint64
}

// Received returns how many ticks have been written into the cache.
func (s *Stream) Received() uint64 { return s.received.Load() }

// NewStream creates a websocket feed writing into cache.
func NewStream(cfg StreamConfig, cache *quote.Cache, logger log.Logger) *Stream {
	def := DefaultStreamConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	return &Stream{cfg: cfg, cache: cache, logger: logger}
}

// Run dials, consumes and reconnects until the context is cancelled. It
// blocks; callers run it in a goroutine.
func (s *Stream) Run(ctx context.Context) {
	delay := s.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Quote stream disconnected", "url", s.cfg.URL, "error", err, "retryIn", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > s.cfg.ReconnectMax {
			delay = s.cfg.ReconnectMax
		}
	}
}

func (s *Stream) connectAndConsume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.logger.Info("Quote stream connected", "url", s.cfg.URL)

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx, conn)

	// Close the connection when the caller cancels so the blocking read
	// below returns.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(message)
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Stream) handleMessage(message []byte) {
	tick, err := quote.DecodeTick(message)
	if err != nil {
		s.logger.Debug("Ignoring unparseable stream message", "error", err)
		return
	}
	s.received.Add(1)
	s.cache.Write(tick.InstrumentID, tick.Update)
}
