package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/gsmgw/modem"
)

// ErrInvalidRequest is returned for send requests without recipient or text.
var ErrInvalidRequest = errors.New("recipient and text are required")

// Device is the modem surface the service drives. *modem.Modem satisfies it.
type Device interface {
	Port
	SendSMS(ctx context.Context, recipient, text string, opts ...modem.SendOption) (int, error)
	RetrieveAll(ctx context.Context) ([]modem.SMS, error)
	Delete(ctx context.Context, index int) error
	SignalQuality(ctx context.Context) (modem.SignalQuality, error)
	ReadStatus(ctx context.Context) (modem.StorageStatus, error)
}

// DeliveryStatus is the delivery update object published to consumers.
type DeliveryStatus struct {
	Status       string `json:"status"`
	MessageRef   int    `json:"message_ref"`
	Recipient    string `json:"recipient"`
	PendingCount int    `json:"pending_count"`
	Timestamp    string `json:"timestamp"`
}

// ReceivedSMS is an incoming message as published to consumers.
type ReceivedSMS struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Publisher receives state changes for external consumers. Implementations
// must be safe for concurrent use; a nil-like disabled implementation is
// acceptable.
type Publisher interface {
	PublishDeviceStatus(StatusData)
	PublishDeliveryStatus(DeliveryStatus)
	PublishCounters(CounterData)
	PublishReceived(ReceivedSMS)
}

// NopPublisher discards all publications.
type NopPublisher struct{}

func (NopPublisher) PublishDeviceStatus(StatusData)       {}
func (NopPublisher) PublishDeliveryStatus(DeliveryStatus) {}
func (NopPublisher) PublishCounters(CounterData)          {}
func (NopPublisher) PublishReceived(ReceivedSMS)          {}

// SendResult reports the outcome of a send request.
type SendResult struct {
	Sent      bool
	Queued    bool
	Duplicate bool
	Ref       int
}

// ServiceConfig wires a Service together. Logger, Device and the component
// fields are required; Publisher defaults to NopPublisher.
type ServiceConfig struct {
	Logger     *slog.Logger
	Device     Device
	Executor   *Executor
	Tracker    *Tracker
	Recovery   *Recovery
	Queue      *Queue
	Deliveries *DeliveryTracker
	Dedup      *DedupCache
	Counters   *Counters
	Publisher  Publisher

	// DeliveryReports enables requesting and tracking delivery reports.
	DeliveryReports bool
	// StatusPollInterval is the cadence of the signal/status poller.
	StatusPollInterval time.Duration
	// SMSPollInterval is the cadence of the incoming message poller.
	SMSPollInterval time.Duration
}

// Service is the device-command resilience layer: it owns the retry queue,
// the delivery tracker, the dedup cache and the pollers, and routes every
// device operation through the Executor.
type Service struct {
	log        *slog.Logger
	dev        Device
	exec       *Executor
	tracker    *Tracker
	recovery   *Recovery
	queue      *Queue
	deliveries *DeliveryTracker
	dedup      *DedupCache
	counters   *Counters
	pub        Publisher

	deliveryReports bool
	statusInterval  time.Duration
	smsInterval     time.Duration

	pubMu      sync.Mutex
	lastStatus string
	lastHard   bool
}

// NewService assembles the service and hooks the queue drain to the
// executor's recovery notification.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Publisher == nil {
		cfg.Publisher = NopPublisher{}
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = time.Minute
	}
	if cfg.SMSPollInterval <= 0 {
		cfg.SMSPollInterval = 30 * time.Second
	}

	s := &Service{
		log:             cfg.Logger,
		dev:             cfg.Device,
		exec:            cfg.Executor,
		tracker:         cfg.Tracker,
		recovery:        cfg.Recovery,
		queue:           cfg.Queue,
		deliveries:      cfg.Deliveries,
		dedup:           cfg.Dedup,
		counters:        cfg.Counters,
		pub:             cfg.Publisher,
		deliveryReports: cfg.DeliveryReports,
		statusInterval:  cfg.StatusPollInterval,
		smsInterval:     cfg.SMSPollInterval,
	}
	s.exec.OnRecovered = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		s.DrainQueue(ctx)
	}
	return s
}

// Start launches the executor worker and the background pollers.
func (s *Service) Start(ctx context.Context) {
	s.exec.Start(ctx)
	go s.pollStatus(ctx)
	go s.pollIncoming(ctx)

	// Replay anything queued before the last shutdown.
	if s.queue.Len() > 0 {
		go s.DrainQueue(ctx)
	}
}

// Send queues the message and attempts to send it immediately. On failure
// the message stays queued for a later drain; the returned error describes
// the attempt.
func (s *Service) Send(ctx context.Context, recipient, text, smsc string) (SendResult, error) {
	if recipient == "" || text == "" {
		return SendResult{}, ErrInvalidRequest
	}

	s.queue.Add(recipient, text, smsc)

	ref, err := s.sendNow(ctx, recipient, text, smsc)
	if err != nil {
		s.queue.IncrementAttempts(recipient, text)
		s.log.Warn("Send failed, message stays queued", "recipient", recipient, "error", err)
		return SendResult{Queued: true}, err
	}

	s.finishSend(recipient, text, ref)
	return SendResult{Sent: true, Ref: ref}, nil
}

// SendDeduped is Send behind the duplicate-request cache. Used by the
// legacy GET front, whose clients tend to repeat requests.
func (s *Service) SendDeduped(ctx context.Context, recipient, text string) (SendResult, error) {
	if recipient == "" || text == "" {
		return SendResult{}, ErrInvalidRequest
	}
	if s.dedup.IsDuplicate(recipient, text) {
		s.log.Info("Suppressed duplicate send request", "recipient", recipient)
		return SendResult{Duplicate: true}, nil
	}
	s.dedup.Record(recipient, text)
	return s.Send(ctx, recipient, text, "")
}

func (s *Service) sendNow(ctx context.Context, recipient, text, smsc string) (int, error) {
	value, err := s.exec.Execute(ctx, "SendSMS", func(ctx context.Context) (any, error) {
		var opts []modem.SendOption
		if smsc != "" {
			opts = append(opts, modem.WithSMSC(smsc))
		}
		if s.deliveryReports {
			opts = append(opts, modem.WithDeliveryReport())
		}
		return s.dev.SendSMS(ctx, recipient, text, opts...)
	})
	if err != nil {
		return 0, err
	}
	ref, _ := value.(int)
	return ref, nil
}

func (s *Service) finishSend(recipient, text string, ref int) {
	s.queue.Remove(recipient, text)
	s.pub.PublishCounters(s.counters.IncrementSent())

	if s.deliveryReports && ref >= 0 {
		s.deliveries.TrackSent(ref, recipient, text)
		s.pub.PublishDeliveryStatus(DeliveryStatus{
			Status:       DeliverySent,
			MessageRef:   ref,
			Recipient:    recipient,
			PendingCount: s.deliveries.PendingCount(),
			Timestamp:    time.Now().Format(time.RFC3339),
		})
	}
	s.publishStatus()
}

// DrainQueue replays every pending message through the executor. A failed
// entry has its attempt counter bumped and stays queued for the next drain;
// the remaining entries are still tried.
func (s *Service) DrainQueue(ctx context.Context) {
	pending := s.queue.Pending()
	if len(pending) == 0 {
		return
	}
	s.log.Info("Draining retry queue", "pending", len(pending))

	for _, msg := range pending {
		ref, err := s.sendNow(ctx, msg.Recipient, msg.Text, msg.SMSC)
		if err != nil {
			s.queue.IncrementAttempts(msg.Recipient, msg.Text)
			s.log.Warn("Queued message send failed", "recipient", msg.Recipient, "error", err)
			continue
		}
		s.finishSend(msg.Recipient, msg.Text, ref)
	}
	s.log.Info("Retry queue drain finished", "remaining", s.queue.Len())
}

// Signal queries the current signal quality through the executor.
func (s *Service) Signal(ctx context.Context) (modem.SignalQuality, error) {
	value, err := s.exec.Execute(ctx, "GetSignalQuality", func(ctx context.Context) (any, error) {
		return s.dev.SignalQuality(ctx)
	})
	if err != nil {
		return modem.SignalQuality{}, err
	}
	return value.(modem.SignalQuality), nil
}

// Storage queries the SMS storage usage through the executor.
func (s *Service) Storage(ctx context.Context) (modem.StorageStatus, error) {
	value, err := s.exec.Execute(ctx, "GetSMSStatus", func(ctx context.Context) (any, error) {
		return s.dev.ReadStatus(ctx)
	})
	if err != nil {
		return modem.StorageStatus{}, err
	}
	return value.(modem.StorageStatus), nil
}

// StatusData returns the connectivity state snapshot.
func (s *Service) StatusData() StatusData {
	return s.tracker.StatusData()
}

// QueueLength returns the number of messages pending retry.
func (s *Service) QueueLength() int {
	return s.queue.Len()
}

// Counters returns the current message counters.
func (s *Service) Counters() CounterData {
	return s.counters.Snapshot()
}

func (s *Service) pollStatus(ctx context.Context) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Signal(ctx); err != nil {
				s.log.Debug("Status poll failed", "error", err)
			}
			s.publishStatus()
		}
	}
}

func (s *Service) pollIncoming(ctx context.Context) {
	ticker := time.NewTicker(s.smsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectIncoming(ctx)
		}
	}
}

func (s *Service) collectIncoming(ctx context.Context) {
	value, err := s.exec.Execute(ctx, "RetrieveAllSMS", func(ctx context.Context) (any, error) {
		return s.dev.RetrieveAll(ctx)
	})
	if err != nil {
		s.log.Debug("Incoming message poll failed", "error", err)
		return
	}

	messages := value.([]modem.SMS)
	for _, msg := range messages {
		if msg.Report {
			s.applyDeliveryReport(msg)
		} else {
			s.log.Info("Received SMS", "sender", msg.Sender)
			s.pub.PublishCounters(s.counters.IncrementReceived())
			s.pub.PublishReceived(ReceivedSMS{
				Sender:    msg.Sender,
				Text:      msg.Text,
				Timestamp: time.Now().Format(time.RFC3339),
			})
		}

		index := msg.Index
		if _, err := s.exec.Execute(ctx, "DeleteSMS", func(ctx context.Context) (any, error) {
			return nil, s.dev.Delete(ctx, index)
		}); err != nil {
			s.log.Warn("Failed to delete processed message", "index", index, "error", err)
		}
	}
}

func (s *Service) applyDeliveryReport(msg modem.SMS) {
	status := DeliveryFailed
	if msg.Delivered {
		status = DeliveryDelivered
	}
	rec, changed := s.deliveries.UpdateStatus(msg.Ref, status)
	if !changed {
		return
	}
	s.log.Info("Delivery report applied", "ref", msg.Ref, "status", status)
	s.pub.PublishDeliveryStatus(DeliveryStatus{
		Status:       status,
		MessageRef:   rec.Ref,
		Recipient:    rec.Recipient,
		PendingCount: s.deliveries.PendingCount(),
		Timestamp:    time.Now().Format(time.RFC3339),
	})
}

// publishStatus pushes the connectivity state when the derived status or
// the hard-offline flag changed since the last publication. Both states map
// to "offline" in the status string, so the flag needs its own comparison.
func (s *Service) publishStatus() {
	data := s.tracker.StatusData()

	s.pubMu.Lock()
	changed := data.Status != s.lastStatus || data.HardOffline != s.lastHard
	if changed {
		s.lastStatus = data.Status
		s.lastHard = data.HardOffline
	}
	s.pubMu.Unlock()

	if changed {
		s.pub.PublishDeviceStatus(data)
	}
}
