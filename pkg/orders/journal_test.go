package orders

import (
	"testing"

	"github.com/luxfi/database/manager"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dbManager := manager.NewManager(t.TempDir(), nil)
	db, err := dbManager.New(manager.DefaultMemoryConfig())
	require.NoError(t, err)
	return NewJournal(db)
}

func TestJournalRecordAndLatest(t *testing.T) {
	journal := newTestJournal(t)

	order := Order{
		ID:           "srv-1",
		InstrumentID: 9,
		Side:         Buy,
		Type:         Market,
		Amount:       decimal.NewFromInt(250),
		Status:       StatusPending,
	}
	require.NoError(t, journal.Record(order))

	order.Status = StatusExecuted
	require.NoError(t, journal.Record(order))

	got, ok, err := journal.Latest("srv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusExecuted, got.Status, "latest snapshot wins")
	assert.Equal(t, "250", got.Amount.String())
}

func TestJournalLatestMissing(t *testing.T) {
	journal := newTestJournal(t)

	_, ok, err := journal.Latest("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerJournalsMutations(t *testing.T) {
	journal := newTestJournal(t)
	ledger := NewLedger(LedgerParams{Journal: journal}, testLogger())

	localID := ledger.SubmitOptimistic(testParams())
	ledger.Reconcile(localID, "srv-42", Patch{Status: statusPtr(StatusExecuted)})

	local, ok, err := journal.Latest(localID)
	require.NoError(t, err)
	require.True(t, ok, "superseded optimistic entry stays in the audit trail")
	assert.Equal(t, StatusPending, local.Status)

	reconciled, ok, err := journal.Latest("srv-42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusExecuted, reconciled.Status)
}
