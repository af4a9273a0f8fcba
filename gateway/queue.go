package gateway

import (
	"log/slog"
	"sync"
	"time"
)

// QueuedMessage is one outbound SMS waiting to be retried.
type QueuedMessage struct {
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	SMSC      string    `json:"smsc,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
	Attempts  int       `json:"attempts"`
}

type queueDocument struct {
	Pending []QueuedMessage `json:"pending"`
}

// Queue is the durable outbound retry queue. Every send is queued before
// the first attempt, removed on success, and kept for later replay on
// failure. Entries expire after the configured retention; a message that
// old is more likely to confuse its recipient than help.
type Queue struct {
	log    *slog.Logger
	store  *Store
	expiry time.Duration
	now    func() time.Time

	mu      sync.Mutex
	pending []QueuedMessage
}

// NewQueue loads the persisted queue from the store.
func NewQueue(logger *slog.Logger, store *Store, expiry time.Duration) (*Queue, error) {
	if expiry <= 0 {
		expiry = time.Hour
	}
	q := &Queue{
		log:    logger,
		store:  store,
		expiry: expiry,
		now:    time.Now,
	}

	var doc queueDocument
	ok, err := store.Load(&doc)
	if err != nil {
		return nil, err
	}
	if ok {
		q.pending = doc.Pending
		logger.Info("Loaded retry queue", "pending", len(q.pending))
	}
	return q, nil
}

// Add queues a message unless an identical recipient/text pair is already
// pending. Returns false for the rejected duplicate.
func (q *Queue) Add(recipient, text, smsc string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.pending {
		if m.Recipient == recipient && m.Text == text {
			return false
		}
	}

	q.pending = append(q.pending, QueuedMessage{
		Recipient: recipient,
		Text:      text,
		SMSC:      smsc,
		QueuedAt:  q.now(),
	})
	q.persistLocked()
	return true
}

// Remove drops the pending entry for the recipient/text pair. Returns true
// when an entry was removed.
func (q *Queue) Remove(recipient, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.pending {
		if m.Recipient == recipient && m.Text == text {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.persistLocked()
			return true
		}
	}
	return false
}

// IncrementAttempts bumps the attempt counter of the matching entry.
func (q *Queue) IncrementAttempts(recipient, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.pending {
		if q.pending[i].Recipient == recipient && q.pending[i].Text == text {
			q.pending[i].Attempts++
			q.persistLocked()
			return
		}
	}
}

// Pending evicts expired entries and returns a snapshot of the rest.
func (q *Queue) Pending() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.expiry)
	kept := q.pending[:0]
	evicted := 0
	for _, m := range q.pending {
		if m.QueuedAt.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, m)
	}
	if evicted > 0 {
		q.pending = kept
		q.persistLocked()
		q.log.Warn("Evicted expired queued messages", "count", evicted)
	}

	snapshot := make([]QueuedMessage, len(q.pending))
	copy(snapshot, q.pending)
	return snapshot
}

// Len returns the number of pending entries, expired or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) persistLocked() {
	if err := q.store.Save(queueDocument{Pending: q.pending}); err != nil {
		q.log.Error("Failed to persist retry queue", "error", err)
	}
}
