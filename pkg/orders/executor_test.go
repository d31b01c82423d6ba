package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoniassia/etoroterminal-sub000/pkg/transport"
)

// fakePoster answers order submissions after an optional delay.
type fakePoster struct {
	mu       sync.Mutex
	requests int
	response submitResponse
	err      error
	delay    time.Duration
}

func (f *fakePoster) Post(ctx context.Context, endpoint string, body, out interface{}) error {
	f.mu.Lock()
	f.requests++
	resp, err, delay := f.response, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	data, _ := json.Marshal(resp)
	return json.Unmarshal(data, out)
}

func TestExecutorReturnsLocalIDImmediately(t *testing.T) {
	ledger := newTestLedger()
	poster := &fakePoster{
		response: submitResponse{OrderID: "srv-77", Status: StatusExecuted},
		delay:    50 * time.Millisecond,
	}
	exec := NewExecutor(ExecutorConfig{}, ledger, poster, testLogger())

	localID := exec.Submit(testParams())
	assert.True(t, IsLocalID(localID))

	// The optimistic entry exists before the upstream answers.
	entry, ok := ledger.Get(localID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, entry.Status)

	require.Eventually(t, func() bool {
		_, ok := ledger.Get("srv-77")
		return ok
	}, time.Second, 5*time.Millisecond)

	entry, _ = ledger.Get("srv-77")
	assert.Equal(t, StatusExecuted, entry.Status)
	_, ok = ledger.Get(localID)
	assert.False(t, ok)
}

func TestExecutorMarksFailedOnUpstreamError(t *testing.T) {
	ledger := newTestLedger()
	poster := &fakePoster{
		err: &transport.Error{
			Code:          transport.CodeHTTPError,
			Status:        400,
			Message:       "leverage not allowed",
			CorrelationID: "abc",
		},
	}
	exec := NewExecutor(ExecutorConfig{}, ledger, poster, testLogger())

	localID := exec.Submit(testParams())
	require.Eventually(t, func() bool {
		entry, ok := ledger.Get(localID)
		return ok && entry.Status == StatusRejected
	}, time.Second, 5*time.Millisecond)

	entry, _ := ledger.Get(localID)
	assert.Equal(t, "leverage not allowed", entry.Reason, "upstream message surfaced to the user")
}

func TestExecutorPlainErrorReasonFallsBack(t *testing.T) {
	ledger := newTestLedger()
	poster := &fakePoster{err: fmt.Errorf("connection refused")}
	exec := NewExecutor(ExecutorConfig{}, ledger, poster, testLogger())

	localID := exec.Submit(testParams())
	require.Eventually(t, func() bool {
		entry, ok := ledger.Get(localID)
		return ok && entry.Status == StatusRejected
	}, time.Second, 5*time.Millisecond)

	entry, _ := ledger.Get(localID)
	assert.Contains(t, entry.Reason, "connection refused")
}

func TestExecutorUnparsableStatusStaysPending(t *testing.T) {
	ledger := newTestLedger()
	poster := &fakePoster{response: submitResponse{OrderID: "srv-5", Status: "weird"}}
	exec := NewExecutor(ExecutorConfig{}, ledger, poster, testLogger())

	exec.Submit(testParams())
	require.Eventually(t, func() bool {
		_, ok := ledger.Get("srv-5")
		return ok
	}, time.Second, 5*time.Millisecond)

	entry, _ := ledger.Get("srv-5")
	assert.Equal(t, StatusPending, entry.Status, "unknown upstream status defaults to pending")
}
