package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/database"
)

// Journal is the session audit trail: every ledger mutation is appended to
// the backing store so the history panel can show what happened to a trade,
// including superseded optimistic entries. Records are write-only during a
// session; nothing here ever deletes.
type Journal struct {
	db database.Database
}

// NewJournal creates a journal over db.
func NewJournal(db database.Database) *Journal {
	return &Journal{db: db}
}

// journalRecord is one persisted mutation. The sequence key keeps every
// intermediate state, not just the latest.
type journalRecord struct {
	Order      Order     `json:"order"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Record persists the order state both as the latest snapshot for its id
// and as a timestamped history entry.
func (j *Journal) Record(o Order) error {
	rec := journalRecord{Order: o, RecordedAt: time.Now()}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	batch := j.db.NewBatch()
	defer batch.Reset()

	latestKey := []byte("order:" + o.ID)
	if err := batch.Put(latestKey, value); err != nil {
		return err
	}
	historyKey := []byte(fmt.Sprintf("order-history:%s:%d", o.ID, rec.RecordedAt.UnixNano()))
	if err := batch.Put(historyKey, value); err != nil {
		return err
	}
	return batch.Write()
}

// Latest returns the last recorded state for an order id.
func (j *Journal) Latest(id string) (Order, bool, error) {
	value, err := j.db.Get([]byte("order:" + id))
	if err != nil {
		if err == database.ErrNotFound {
			return Order{}, false, nil
		}
		return Order{}, false, err
	}
	var rec journalRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return Order{}, false, fmt.Errorf("unmarshal journal record: %w", err)
	}
	return rec.Order, true, nil
}
