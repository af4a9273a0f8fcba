package gateway

import (
	"log/slog"
	"sync"
)

// CounterData is the persisted and published message counter state.
type CounterData struct {
	SentCount     int `json:"sent_count"`
	ReceivedCount int `json:"received_count"`
}

// Counters keeps lifetime sent/received message counts across restarts.
type Counters struct {
	log   *slog.Logger
	store *Store

	mu   sync.Mutex
	data CounterData
}

// NewCounters loads the persisted counters from the store.
func NewCounters(logger *slog.Logger, store *Store) (*Counters, error) {
	c := &Counters{log: logger, store: store}
	if _, err := store.Load(&c.data); err != nil {
		return nil, err
	}
	return c, nil
}

// IncrementSent bumps the sent counter and returns the new snapshot.
func (c *Counters) IncrementSent() CounterData {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.SentCount++
	c.persistLocked()
	return c.data
}

// IncrementReceived bumps the received counter and returns the new snapshot.
func (c *Counters) IncrementReceived() CounterData {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.ReceivedCount++
	c.persistLocked()
	return c.data
}

// Reset zeroes both counters.
func (c *Counters) Reset() CounterData {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = CounterData{}
	c.persistLocked()
	return c.data
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() CounterData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func (c *Counters) persistLocked() {
	if err := c.store.Save(c.data); err != nil {
		c.log.Error("Failed to persist counters", "error", err)
	}
}
