// Package api is the surface the browser terminal consumes: REST endpoints
// for quotes, watchlist control and order submission, and a WebSocket hub
// that relays quote-cache updates and order-ledger mutations to connected
// browsers. Presentation code never talks to the transport or the polling
// loop directly; everything flows through the cache and the ledger.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/yoniassia/etoroterminal-sub000/pkg/orders"
	"github.com/yoniassia/etoroterminal-sub000/pkg/poller"
	"github.com/yoniassia/etoroterminal-sub000/pkg/quote"
)

// Config holds API server configuration.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	WriteBufferSize int
	ReadBufferSize  int
}

// DefaultConfig returns default API server configuration.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Message is one WebSocket frame to or from a browser.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Server owns the hub and the REST mux.
type Server struct {
	cfg      Config
	cache    *quote.Cache
	ledger   *orders.Ledger
	executor *orders.Executor
	poll     *poller.Synchronizer
	logger   log.Logger

	// Client management
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management: channel name -> clients, plus the cache
	// disposer backing each quote channel. The hub drives the poller's
	// interest set from browser visibility.
	subscriptions map[string]map[*Client]bool
	cacheSubs     map[int64]func()
	subMu         sync.Mutex

	ordersUnsub func()

	messagesOut uint64
	clientCount int32

	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates an API server over the given core components.
func NewServer(cfg Config, cache *quote.Cache, ledger *orders.Ledger, executor *orders.Executor, poll *poller.Synchronizer, logger log.Logger) *Server {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = def.WriteBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           cfg,
		cache:         cache,
		ledger:        ledger,
		executor:      executor,
		poll:          poll,
		logger:        logger,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		subscriptions: make(map[string]map[*Client]bool),
		cacheSubs:     make(map[int64]func()),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// start spins up the hub and ledger relay and returns the request router.
func (s *Server) start() http.Handler {
	s.wg.Add(1)
	go s.runHub()

	// Every ledger mutation goes out on the "orders" channel.
	s.ordersUnsub = s.ledger.SubscribeAll(func(list []orders.Order) {
		s.publish("orders", list)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/quote/", s.handleQuote)
	mux.HandleFunc("/api/watch", s.handleWatch)
	mux.HandleFunc("/api/watch/", s.handleUnwatch)
	mux.HandleFunc("/api/orders", s.handleOrders)
	return mux
}

// Start begins serving. It blocks until Stop is called or the listener
// fails.
func (s *Server) Start() error {
	mux := s.start()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		<-s.ctx.Done()
		s.httpServer.Shutdown(context.Background())
	}()

	s.logger.Info("API server starting", "port", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop shuts the server down and detaches from the ledger and cache.
func (s *Server) Stop() {
	s.logger.Info("Stopping API server")
	if s.ordersUnsub != nil {
		s.ordersUnsub()
	}
	s.cancel()
	s.wg.Wait()

	s.subMu.Lock()
	for id, unsub := range s.cacheSubs {
		unsub()
		s.poll.Unwatch(id)
	}
	s.cacheSubs = make(map[int64]func())
	s.subMu.Unlock()
}

// runHub manages client connections and message routing.
func (s *Server) runHub() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				close(client.send)
			}
			s.clients = make(map[*Client]bool)
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.clientsMu.Unlock()
			s.logger.Debug("Browser connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			s.clientsMu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				atomic.AddInt32(&s.clientCount, -1)
			}
			s.clientsMu.Unlock()
			s.dropClientSubscriptions(client)
			s.logger.Debug("Browser disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case message := <-s.broadcast:
			s.broadcastMessage(message)
		}
	}
}

// publish enqueues an update for every subscriber of a channel. The send is
// non-blocking so one slow browser cannot stall a cache write's fan-out.
func (s *Server) publish(channel string, data interface{}) {
	msg := Message{
		Type:      "update",
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Warn("Broadcast queue full, dropping update", "channel", channel)
	}
}

func (s *Server) broadcastMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast", "error", err)
		return
	}

	s.subMu.Lock()
	targets := make([]*Client, 0, len(s.subscriptions[msg.Channel]))
	for client := range s.subscriptions[msg.Channel] {
		targets = append(targets, client)
	}
	s.subMu.Unlock()

	for _, client := range targets {
		select {
		case client.send <- data:
			atomic.AddUint64(&s.messagesOut, 1)
		default:
			// Client not keeping up, skip this frame.
		}
	}
}

// subscribeClient attaches a client to a channel, wiring the backing cache
// subscription and poller interest the first time a quote channel gains a
// subscriber.
func (s *Server) subscribeClient(client *Client, channel string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true

	id, ok := quoteChannelID(channel)
	if !ok {
		return
	}
	if _, exists := s.cacheSubs[id]; !exists {
		s.cacheSubs[id] = s.cache.Subscribe(id, func(q quote.Quote) {
			s.publish(channel, q)
		})
		s.poll.Watch(id)
	}
}

// unsubscribeClient detaches a client from a channel; when the last client
// leaves a quote channel, the cache subscription is disposed and the poller
// loses interest in the instrument.
func (s *Server) unsubscribeClient(client *Client, channel string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.dropSubscriptionLocked(client, channel)
}

func (s *Server) dropClientSubscriptions(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for channel := range s.subscriptions {
		s.dropSubscriptionLocked(client, channel)
	}
}

func (s *Server) dropSubscriptionLocked(client *Client, channel string) {
	clients, ok := s.subscriptions[channel]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) > 0 {
		return
	}
	delete(s.subscriptions, channel)

	if id, ok := quoteChannelID(channel); ok {
		if unsub, exists := s.cacheSubs[id]; exists {
			unsub()
			delete(s.cacheSubs, id)
			s.poll.Unwatch(id)
		}
	}
}

// quoteChannelID extracts the instrument id from a "quotes:<id>" channel
// name.
func quoteChannelID(channel string) (int64, bool) {
	raw, ok := strings.CutPrefix(channel, "quotes:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
