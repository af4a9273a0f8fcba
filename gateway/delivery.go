package gateway

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"
)

// Delivery statuses.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// DeliveryRecord tracks one outgoing message awaiting network confirmation.
type DeliveryRecord struct {
	Ref         int       `json:"ref"`
	Recipient   string    `json:"recipient"`
	TextPreview string    `json:"text_preview"`
	Status      string    `json:"status"`
	SentAt      time.Time `json:"sent_at"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
}

type deliveryDocument struct {
	Pending map[string]DeliveryRecord `json:"pending"`
}

// DeliveryTracker correlates delivery status reports with sent messages by
// their network-assigned message reference. Only a bounded number of recent
// records is kept; references wrap around at 255, so old records would
// eventually be matched against the wrong message anyway.
type DeliveryTracker struct {
	log   *slog.Logger
	store *Store
	max   int
	now   func() time.Time

	mu      sync.Mutex
	records map[string]DeliveryRecord
}

const previewLen = 50

// NewDeliveryTracker loads persisted records from the store.
func NewDeliveryTracker(logger *slog.Logger, store *Store, maxTracked int) (*DeliveryTracker, error) {
	if maxTracked <= 0 {
		maxTracked = 50
	}
	d := &DeliveryTracker{
		log:     logger,
		store:   store,
		max:     maxTracked,
		now:     time.Now,
		records: make(map[string]DeliveryRecord),
	}

	var doc deliveryDocument
	ok, err := store.Load(&doc)
	if err != nil {
		return nil, err
	}
	if ok && doc.Pending != nil {
		d.records = doc.Pending
		logger.Info("Loaded delivery records", "count", len(d.records))
	}
	return d, nil
}

// TrackSent records a freshly sent message under its reference.
func (d *DeliveryTracker) TrackSent(ref int, recipient, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	preview := text
	if len(preview) > previewLen {
		cut := previewLen
		// Do not split a multi-byte rune at the cut point.
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}

	d.records[strconv.Itoa(ref)] = DeliveryRecord{
		Ref:         ref,
		Recipient:   recipient,
		TextPreview: preview,
		Status:      DeliverySent,
		SentAt:      d.now(),
	}
	d.pruneLocked()
	d.persistLocked()
}

// UpdateStatus applies a delivery report for the given reference. The update
// is idempotent: a repeated report with the same status is ignored. Returns
// the record and whether anything changed. Unknown references return ok
// false; they belong to messages sent before a restart past the retention
// horizon.
func (d *DeliveryTracker) UpdateStatus(ref int, status string) (DeliveryRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := strconv.Itoa(ref)
	rec, found := d.records[key]
	if !found {
		d.log.Warn("Delivery report for unknown reference", "ref", ref, "status", status)
		return DeliveryRecord{}, false
	}
	if rec.Status == status {
		return rec, false
	}

	rec.Status = status
	rec.DeliveredAt = d.now()
	d.records[key] = rec
	d.persistLocked()
	return rec, true
}

// PendingCount returns the number of records still awaiting confirmation.
func (d *DeliveryTracker) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, rec := range d.records {
		if rec.Status == DeliverySent {
			n++
		}
	}
	return n
}

// pruneLocked keeps only the newest max records by sent time.
func (d *DeliveryTracker) pruneLocked() {
	if len(d.records) <= d.max {
		return
	}

	all := make([]DeliveryRecord, 0, len(d.records))
	for _, rec := range d.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].SentAt.After(all[j].SentAt)
	})

	for _, rec := range all[d.max:] {
		delete(d.records, strconv.Itoa(rec.Ref))
	}
}

func (d *DeliveryTracker) persistLocked() {
	if err := d.store.Save(deliveryDocument{Pending: d.records}); err != nil {
		d.log.Error("Failed to persist delivery records", "error", err)
	}
}
