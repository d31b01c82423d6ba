// Package orders models the lifecycle of a trade from user intent through
// an optimistic local entry to its server-confirmed or rejected final
// state, with a timeout safety net for the case where no answer ever
// arrives.
package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType represents how the trade executes upstream.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// Status represents the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusExecuted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Params are the trade parameters the user submits. They are immutable once
// the order is created; only the server response amends execution details.
type Params struct {
	InstrumentID   int64           `json:"instrumentId"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"orderType"`
	Amount         decimal.Decimal `json:"amount"`
	Leverage       int             `json:"leverage"`
	StopLossRate   decimal.Decimal `json:"stopLossRate"`
	TakeProfitRate decimal.Decimal `json:"takeProfitRate"`
}

// Order is one ledger entry. Its ID is either a locally generated
// optimistic id (prefixed "local-") or the server-issued id after
// reconciliation; exactly one of the two forms is ever live.
type Order struct {
	ID             string          `json:"orderId"`
	InstrumentID   int64           `json:"instrumentId"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"orderType"`
	Amount         decimal.Decimal `json:"amount"`
	Leverage       int             `json:"leverage"`
	StopLossRate   decimal.Decimal `json:"stopLossRate"`
	TakeProfitRate decimal.Decimal `json:"takeProfitRate"`

	Status Status `json:"status"`
	// Optimistic marks an entry the server has not acknowledged yet.
	Optimistic bool `json:"isOptimistic"`
	// Unknown is raised when the acknowledgement window expires with no
	// answer; the status stays pending and the UI prompts the user to
	// verify out-of-band. It is not terminal: a late answer still lands.
	Unknown bool `json:"isUnknown"`
	// Reason carries the upstream rejection message, when there is one.
	Reason string `json:"reason,omitempty"`

	ExecutedRate decimal.Decimal `json:"executedRate"`
	ExecutedAt   time.Time       `json:"executedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch amends an entry during reconciliation or failure. Nil fields leave
// the entry untouched.
type Patch struct {
	Status       *Status
	ExecutedRate *decimal.Decimal
	ExecutedAt   *time.Time
	Reason       *string
}

func (p Patch) apply(o *Order) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.ExecutedRate != nil {
		o.ExecutedRate = *p.ExecutedRate
	}
	if p.ExecutedAt != nil {
		o.ExecutedAt = *p.ExecutedAt
	}
	if p.Reason != nil {
		o.Reason = *p.Reason
	}
}
