package orders

import (
	"context"
	"errors"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/yoniassia/etoroterminal-sub000/pkg/transport"
)

// Poster is the slice of the transport the executor needs.
type Poster interface {
	Post(ctx context.Context, endpoint string, body, out interface{}) error
}

// ExecutorConfig holds executor configuration.
type ExecutorConfig struct {
	// Endpoint is the upstream order submission path.
	Endpoint string
	// SubmitTimeout bounds the whole upstream round trip, retries
	// included; the ledger's unknown-outcome window is the real safety
	// net, this just keeps goroutines from lingering.
	SubmitTimeout time.Duration
}

// DefaultExecutorConfig returns default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Endpoint:      "trading/orders",
		SubmitTimeout: 2 * time.Minute,
	}
}

// Executor drives a submission end to end: optimistic ledger entry first,
// upstream call second, reconciliation or failure third. The caller gets
// the local id synchronously, before the network can have answered.
type Executor struct {
	cfg    ExecutorConfig
	ledger *Ledger
	client Poster
	logger log.Logger
}

// NewExecutor creates an executor submitting through client into ledger.
func NewExecutor(cfg ExecutorConfig, ledger *Ledger, client Poster, logger log.Logger) *Executor {
	def := DefaultExecutorConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	return &Executor{cfg: cfg, ledger: ledger, client: client, logger: logger}
}

// submitResponse is the upstream acknowledgement shape.
type submitResponse struct {
	OrderID      string           `json:"orderId"`
	Status       Status           `json:"status"`
	ExecutedRate *decimal.Decimal `json:"executedRate"`
	ExecutedAt   *time.Time       `json:"executedAt"`
}

// Submit creates the optimistic entry and kicks off the upstream call in
// the background. The returned local id is usable immediately.
func (e *Executor) Submit(params Params) string {
	localID := e.ledger.SubmitOptimistic(params)
	go e.place(localID, params)
	return localID
}

func (e *Executor) place(localID string, params Params) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
	defer cancel()

	var resp submitResponse
	if err := e.client.Post(ctx, e.cfg.Endpoint, params, &resp); err != nil {
		reason := err.Error()
		var apiErr *transport.Error
		if errors.As(err, &apiErr) {
			reason = apiErr.Message
		}
		e.ledger.MarkFailed(localID, Patch{Reason: &reason})
		return
	}

	status := resp.Status
	if !status.Valid() {
		status = StatusPending
	}
	e.ledger.Reconcile(localID, resp.OrderID, Patch{
		Status:       &status,
		ExecutedRate: resp.ExecutedRate,
		ExecutedAt:   resp.ExecutedAt,
	})
}
