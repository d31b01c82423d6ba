package quote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTickCamelCase(t *testing.T) {
	data := []byte(`{"instrumentId":100000,"bid":1.1015,"ask":1.1018,"lastPrice":"1.1016","changePercent":-0.42}`)

	tick, err := DecodeTick(data)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), tick.InstrumentID)
	assert.Equal(t, "1.1015", tick.Update.Bid.String())
	assert.Equal(t, "1.1018", tick.Update.Ask.String())
	assert.Equal(t, "1.1016", tick.Update.LastPrice.String())
	assert.Equal(t, "-0.42", tick.Update.ChangePercent.String())
	assert.Nil(t, tick.Update.Change, "absent field stays nil")
}

func TestDecodeTickSnakeCase(t *testing.T) {
	data := []byte(`{"instrument_id":55,"last_price":42.5,"change_percent":"1.25","timestamp":1724932800000}`)

	tick, err := DecodeTick(data)
	require.NoError(t, err)
	assert.Equal(t, int64(55), tick.InstrumentID)
	assert.Equal(t, "42.5", tick.Update.LastPrice.String())
	assert.Equal(t, "1.25", tick.Update.ChangePercent.String())
	require.NotNil(t, tick.Update.Timestamp)
	assert.Equal(t, time.UnixMilli(1724932800000).Unix(), tick.Update.Timestamp.Unix())
}

func TestDecodeTickRateAlias(t *testing.T) {
	tick, err := DecodeTick([]byte(`{"instrumentId":7,"rate":"101.3"}`))
	require.NoError(t, err)
	assert.Equal(t, "101.3", tick.Update.LastPrice.String())
}

func TestDecodeTickRFC3339Timestamp(t *testing.T) {
	tick, err := DecodeTick([]byte(`{"instrumentId":7,"bid":1,"timestamp":"2026-08-29T12:00:00Z"}`))
	require.NoError(t, err)
	require.NotNil(t, tick.Update.Timestamp)
	assert.Equal(t, 2026, tick.Update.Timestamp.Year())
}

func TestDecodeTickMissingInstrumentID(t *testing.T) {
	_, err := DecodeTick([]byte(`{"bid":1.5}`))
	assert.Error(t, err)
}

func TestDecodeTicksBareArray(t *testing.T) {
	ticks, errs := DecodeTicks([]byte(`[{"instrumentId":1,"bid":1},{"instrument_id":2,"bid":2}]`))
	assert.Empty(t, errs)
	require.Len(t, ticks, 2)
	assert.Equal(t, int64(1), ticks[0].InstrumentID)
	assert.Equal(t, int64(2), ticks[1].InstrumentID)
}

func TestDecodeTicksWrappedItems(t *testing.T) {
	ticks, errs := DecodeTicks([]byte(`{"rates":[{"instrumentId":9,"ask":"3.3"}]}`))
	assert.Empty(t, errs)
	require.Len(t, ticks, 1)
	assert.Equal(t, "3.3", ticks[0].Update.Ask.String())
}

func TestDecodeTicksBadItemIsSkipped(t *testing.T) {
	ticks, errs := DecodeTicks([]byte(`[{"instrumentId":1,"bid":1},{"bid":"nope"}]`))
	assert.Len(t, errs, 1)
	require.Len(t, ticks, 1)
	assert.Equal(t, int64(1), ticks[0].InstrumentID)
}

func TestDecodeTicksNoItemList(t *testing.T) {
	_, errs := DecodeTicks([]byte(`{"stuff":[]}`))
	assert.NotEmpty(t, errs)
}
