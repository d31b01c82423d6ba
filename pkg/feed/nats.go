package feed

import (
	"fmt"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/yoniassia/etoroterminal-sub000/pkg/quote"
)

// NATSConfig holds NATS feed configuration.
type NATSConfig struct {
	// URL is the NATS server to connect to.
	URL string
	// Subject is the subscription pattern; each message body is one quote
	// tick. Defaults to "quotes.>" (one subject per instrument id).
	Subject string
}

// DefaultNATSConfig returns default NATS feed configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:     nats.DefaultURL,
		Subject: "quotes.>",
	}
}

// NATSFeed consumes quote ticks published on a NATS subject tree. Like the
// websocket stream it is a pure producer for the quote cache.
type NATSFeed struct {
	cfg    NATSConfig
	cache  *quote.Cache
	logger log.Logger

	nc  *nats.Conn
	sub *nats.Subscription
}

// NewNATSFeed creates a NATS feed writing into cache.
func NewNATSFeed(cfg NATSConfig, cache *quote.Cache, logger log.Logger) *NATSFeed {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	return &NATSFeed{cfg: cfg, cache: cache, logger: logger}
}

// Start connects and subscribes. NATS handles reconnection itself.
func (f *NATSFeed) Start() error {
	nc, err := nats.Connect(f.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			f.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			f.logger.Warn("NATS disconnected", "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	f.nc = nc

	sub, err := nc.Subscribe(f.cfg.Subject, f.handleMessage)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %q: %w", f.cfg.Subject, err)
	}
	f.sub = sub

	f.logger.Info("NATS quote feed started", "url", f.cfg.URL, "subject", f.cfg.Subject)
	return nil
}

func (f *NATSFeed) handleMessage(m *nats.Msg) {
	tick, err := quote.DecodeTick(m.Data)
	if err != nil {
		f.logger.Debug("Ignoring unparseable NATS message", "subject", m.Subject, "error", err)
		return
	}
	f.cache.Write(tick.InstrumentID, tick.Update)
}

// Stop drains the subscription and closes the connection.
func (f *NATSFeed) Stop() {
	if f.sub != nil {
		f.sub.Unsubscribe()
	}
	if f.nc != nil {
		f.nc.Drain()
	}
}
