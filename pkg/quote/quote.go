// Package quote holds the latest known market state per instrument and
// notifies subscribers as updates arrive from the polling and push paths.
package quote

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote represents the last known market state for one instrument.
type Quote struct {
	InstrumentID  int64           `json:"instrumentId"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	LastPrice     decimal.Decimal `json:"lastPrice"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`

	// Timestamp is the wire time reported by the source. ReceivedAt is the
	// local wall-clock time the cache observed the update; staleness is
	// judged on ReceivedAt only.
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Update is a partial quote. Nil fields keep whatever the cache already
// holds for the instrument; writes merge field by field, not object by
// object.
type Update struct {
	Bid           *decimal.Decimal
	Ask           *decimal.Decimal
	LastPrice     *decimal.Decimal
	Change        *decimal.Decimal
	ChangePercent *decimal.Decimal
	Timestamp     *time.Time
}

func (u Update) apply(q *Quote) {
	if u.Bid != nil {
		q.Bid = *u.Bid
	}
	if u.Ask != nil {
		q.Ask = *u.Ask
	}
	if u.LastPrice != nil {
		q.LastPrice = *u.LastPrice
	}
	if u.Change != nil {
		q.Change = *u.Change
	}
	if u.ChangePercent != nil {
		q.ChangePercent = *u.ChangePercent
	}
	if u.Timestamp != nil {
		q.Timestamp = *u.Timestamp
	}
}
