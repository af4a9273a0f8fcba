package gateway

import (
	"strings"
	"sync"
	"time"
)

// Device status values derived by the Tracker. Hard-offline is conveyed by
// the separate HardOffline flag, not by a status value of its own.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusData is the structured connectivity state published to consumers.
type StatusData struct {
	Status                  string `json:"status"`
	LastSuccess             string `json:"last_success,omitempty"`
	SecondsSinceLastSuccess int64  `json:"seconds_since_last_success,omitempty"`
	ConsecutiveFailures     int    `json:"consecutive_failures"`
	HardOffline             bool   `json:"hard_offline"`
	HardOfflineOperation    string `json:"hard_offline_operation,omitempty"`
	TotalOperations         int    `json:"total_operations"`
	SuccessfulOperations    int    `json:"successful_operations"`
	LastError               string `json:"last_error,omitempty"`
	LastErrorAt             string `json:"last_error_at,omitempty"`
}

// Tracker observes the outcome of every device operation and derives the
// device's connectivity status from them.
//
// Hard-offline is a sticky sub-state entered when an operation hits the hard
// execution timeout: the modem process is presumed wedged on that operation.
// It is cleared only by a success of an SMS-class operation or of the very
// operation that caused it. An unrelated success (a status poll going
// through) is not proof the wedged path works again.
type Tracker struct {
	mu  sync.Mutex
	now func() time.Time

	offlineTimeout time.Duration

	lastSuccess         time.Time
	consecutiveFailures int
	hardOffline         bool
	hardOfflineOp       string

	totalOps    int
	successOps  int
	lastError   string
	lastErrorAt time.Time
}

// NewTracker returns a Tracker that considers the device offline when no
// operation has succeeded for offlineTimeout.
func NewTracker(offlineTimeout time.Duration) *Tracker {
	if offlineTimeout <= 0 {
		offlineTimeout = 15 * time.Minute
	}
	return &Tracker{
		now:            time.Now,
		offlineTimeout: offlineTimeout,
	}
}

// IsSMSClassOp reports whether the named operation belongs to the SMS
// family. Matching is a case-insensitive substring check so every send,
// retrieve and delete variant counts.
func IsSMSClassOp(name string) bool {
	return strings.Contains(strings.ToLower(name), "sms")
}

// RecordSuccess notes a successful operation. It returns true when the
// success cleared a hard-offline state.
func (t *Tracker) RecordSuccess(op string) (cleared bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastSuccess = t.now()
	t.consecutiveFailures = 0
	t.totalOps++
	t.successOps++

	if t.hardOffline && (IsSMSClassOp(op) || op == t.hardOfflineOp) {
		t.hardOffline = false
		t.hardOfflineOp = ""
		return true
	}
	return false
}

// RecordFailure notes a failed operation. A timeout failure marks the
// device hard-offline for the failing operation.
func (t *Tracker) RecordFailure(op string, err error, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures++
	t.totalOps++
	if err != nil {
		t.lastError = err.Error()
		t.lastErrorAt = t.now()
	}

	if kind == KindTimeout {
		t.hardOffline = true
		t.hardOfflineOp = op
	}
}

// ResetFailures zeroes the consecutive failure counter. Used after a
// successful reconnect, which proves the link but not the operation path,
// so neither lastSuccess nor hard-offline change.
func (t *Tracker) ResetFailures() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures = 0
}

// HardOffline reports whether the device is in the hard-offline sub-state.
func (t *Tracker) HardOffline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hardOffline
}

// ConsecutiveFailures returns the current consecutive failure count.
func (t *Tracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveFailures
}

// Status derives the current connectivity status.
func (t *Tracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Tracker) statusLocked() string {
	switch {
	case t.hardOffline:
		return StatusOffline
	case t.lastSuccess.IsZero():
		// Nothing has ever succeeded, including a fresh tracker.
		return StatusOffline
	case t.consecutiveFailures >= 2:
		return StatusOffline
	case t.now().Sub(t.lastSuccess) > t.offlineTimeout:
		return StatusOffline
	default:
		return StatusOnline
	}
}

// StatusData returns a snapshot of the full connectivity state.
func (t *Tracker) StatusData() StatusData {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := StatusData{
		Status:               t.statusLocked(),
		ConsecutiveFailures:  t.consecutiveFailures,
		HardOffline:          t.hardOffline,
		HardOfflineOperation: t.hardOfflineOp,
		TotalOperations:      t.totalOps,
		SuccessfulOperations: t.successOps,
		LastError:            t.lastError,
	}
	if !t.lastSuccess.IsZero() {
		data.LastSuccess = t.lastSuccess.Format(time.RFC3339)
		data.SecondsSinceLastSuccess = int64(t.now().Sub(t.lastSuccess).Seconds())
	}
	if !t.lastErrorAt.IsZero() {
		data.LastErrorAt = t.lastErrorAt.Format(time.RFC3339)
	}
	return data
}
