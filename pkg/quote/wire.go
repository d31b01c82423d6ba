package quote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// The upstream API is not consistent about field naming: quote payloads
// arrive in camelCase from some endpoints and snake_case from others. All
// casing tolerance lives here, at the boundary; everything past DecodeTick
// speaks the canonical Quote/Update schema.

// Tick is one decoded upstream quote payload.
type Tick struct {
	InstrumentID int64
	Update       Update
}

// DecodeTick parses a single upstream quote object.
func DecodeTick(data []byte) (Tick, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Tick{}, fmt.Errorf("decode tick: %w", err)
	}
	return decodeRawTick(raw)
}

// DecodeTicks parses a batched quote response. It accepts either a bare JSON
// array or an object wrapping the array under an "items", "quotes" or
// "rates" key. Items that fail to parse are skipped and reported so one bad
// entry cannot poison a whole batch.
func DecodeTicks(data []byte) ([]Tick, []error) {
	trimmed := bytes.TrimSpace(data)
	var items []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, []error{fmt.Errorf("decode tick batch: %w", err)}
		}
		found := false
		for _, key := range []string{"items", "quotes", "rates"} {
			if inner, ok := wrapper[key]; ok {
				if err := json.Unmarshal(inner, &items); err != nil {
					return nil, []error{fmt.Errorf("decode tick batch %q: %w", key, err)}
				}
				found = true
				break
			}
		}
		if !found {
			return nil, []error{fmt.Errorf("decode tick batch: no item list in response")}
		}
	} else if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, []error{fmt.Errorf("decode tick batch: %w", err)}
	}

	var (
		ticks []Tick
		errs  []error
	)
	for _, item := range items {
		t, err := DecodeTick(item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, errs
}

func decodeRawTick(raw map[string]json.RawMessage) (Tick, error) {
	fields := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		fields[canonicalKey(k)] = v
	}

	idRaw, ok := fields["instrumentid"]
	if !ok {
		return Tick{}, fmt.Errorf("decode tick: missing instrument id")
	}
	var id int64
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return Tick{}, fmt.Errorf("decode tick: instrument id: %w", err)
	}

	t := Tick{InstrumentID: id}
	var err error
	if t.Update.Bid, err = decodePrice(fields, "bid"); err != nil {
		return Tick{}, err
	}
	if t.Update.Ask, err = decodePrice(fields, "ask"); err != nil {
		return Tick{}, err
	}
	if t.Update.LastPrice, err = decodePrice(fields, "lastprice"); err != nil {
		return Tick{}, err
	}
	if t.Update.LastPrice == nil {
		// Some endpoints call it "rate".
		if t.Update.LastPrice, err = decodePrice(fields, "rate"); err != nil {
			return Tick{}, err
		}
	}
	if t.Update.Change, err = decodePrice(fields, "change"); err != nil {
		return Tick{}, err
	}
	if t.Update.ChangePercent, err = decodePrice(fields, "changepercent"); err != nil {
		return Tick{}, err
	}
	if ts, ok := fields["timestamp"]; ok {
		when, err := decodeTimestamp(ts)
		if err != nil {
			return Tick{}, err
		}
		t.Update.Timestamp = &when
	}
	return t, nil
}

// canonicalKey lower-cases a field name and strips underscores so that
// "lastPrice", "last_price" and "LastPrice" all collapse to "lastprice".
func canonicalKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), "_", "")
}

func decodePrice(fields map[string]json.RawMessage, key string) (*decimal.Decimal, error) {
	raw, ok := fields[key]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	s := string(bytes.Trim(bytes.TrimSpace(raw), `"`))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("decode tick: field %s: %w", key, err)
	}
	return &d, nil
}

// decodeTimestamp accepts either epoch milliseconds or an RFC3339 string.
func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("decode tick: timestamp: %w", err)
		}
		when, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("decode tick: timestamp: %w", err)
		}
		return when, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("decode tick: timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}
