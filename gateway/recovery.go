package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Port is the subset of the modem API the recovery logic drives directly.
// Recovery actions bypass the Executor on purpose: they run while the
// device lock is already held by the failing operation's caller.
type Port interface {
	Reset(ctx context.Context, soft bool) error
	Probe(ctx context.Context) (string, error)
	Reopen(ctx context.Context) error
}

// RecoveryConfig tunes the escalation behavior.
type RecoveryConfig struct {
	// AutoRecovery enables in-process recovery (resets and reconnects).
	AutoRecovery bool
	// AutoRestart enables the fatal-restart escalation when the device
	// keeps failing past the restart timeout.
	AutoRestart bool
	// ReconnectThreshold is the consecutive failure count at which a full
	// reconnect is attempted.
	ReconnectThreshold int
	// ReconnectCooldown is the minimum spacing between reconnect attempts.
	ReconnectCooldown time.Duration
	// RestartTimeout is how long the device may keep failing before the
	// process asks to be restarted.
	RestartTimeout time.Duration
	// HardOfflineRestartTimeout replaces RestartTimeout while the device
	// is hard-offline. A wedged operation will not heal by waiting, so
	// the escalation is much quicker.
	HardOfflineRestartTimeout time.Duration
	// SettleDelay is the pause after resets and before a fatal restart,
	// giving the modem (and the log sink) time to settle.
	SettleDelay time.Duration
}

func (c *RecoveryConfig) setDefaults() {
	if c.ReconnectThreshold == 0 {
		c.ReconnectThreshold = 5
	}
	if c.ReconnectCooldown == 0 {
		c.ReconnectCooldown = time.Minute
	}
	if c.RestartTimeout == 0 {
		c.RestartTimeout = 2 * time.Minute
	}
	if c.HardOfflineRestartTimeout == 0 {
		c.HardOfflineRestartTimeout = 30 * time.Second
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 2 * time.Second
	}
}

// Recovery escalates persistent device failures: in-process recovery first
// (soft reset, reconnect), then a fatal-restart signal once the failure has
// lasted longer than the effective restart timeout.
//
// The restart decision is driven by the recovery timer. It is armed by the
// first failure after a healthy period and cleared only by a successful
// operation while not hard-offline; recovery attempts that merely look
// promising never clear it.
type Recovery struct {
	log     *slog.Logger
	port    Port
	tracker *Tracker
	cfg     RecoveryConfig

	// FatalRestart receives the restart request. The host typically exits
	// the process; tests intercept it.
	FatalRestart func(reason string)

	now   func() time.Time
	sleep func(time.Duration)

	mu            sync.Mutex
	failureStart  time.Time
	lastReconnect time.Time
}

// NewRecovery builds a Recovery controller around the given port and tracker.
func NewRecovery(logger *slog.Logger, port Port, tracker *Tracker, cfg RecoveryConfig) *Recovery {
	cfg.setDefaults()
	return &Recovery{
		log:     logger,
		port:    port,
		tracker: tracker,
		cfg:     cfg,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// HandleFailure runs the escalation ladder for one failed operation.
// The caller still holds the device lock, so all port calls here are safe.
func (r *Recovery) HandleFailure(ctx context.Context, op string, kind Kind) {
	r.mu.Lock()
	if r.failureStart.IsZero() {
		r.failureStart = r.now()
	}
	r.mu.Unlock()

	if kind.Fatal() {
		r.fatal(fmt.Sprintf("unrecoverable %s failure in %s", kind, op))
		return
	}

	if r.cfg.AutoRecovery {
		if r.tracker.ConsecutiveFailures() >= r.cfg.ReconnectThreshold {
			r.tryReconnect(ctx, op)
		} else if kind.Recoverable() {
			r.emergencyRecover(ctx, op, kind)
		}
	}

	r.checkRestartTimer(op)
}

// HandleSuccess clears the recovery timer after a successful operation and
// reports whether a failure period just ended. While hard-offline the timer
// keeps running: an unrelated success does not prove the wedged operation
// path works, and the quick-restart escalation must stay armed — so the
// restart timer is checked here too, or a stream of successful status polls
// would postpone the restart forever.
func (r *Recovery) HandleSuccess(op string) (recovered bool) {
	if r.tracker.HardOffline() {
		r.checkRestartTimer(op)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	armed := !r.failureStart.IsZero()
	r.failureStart = time.Time{}
	return armed
}

// FailingSince returns the start of the current failure period, or zero
// when the device is healthy.
func (r *Recovery) FailingSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failureStart
}

func (r *Recovery) tryReconnect(ctx context.Context, op string) {
	r.mu.Lock()
	allowed := r.lastReconnect.IsZero() || r.now().Sub(r.lastReconnect) >= r.cfg.ReconnectCooldown
	if allowed {
		r.lastReconnect = r.now()
	}
	r.mu.Unlock()
	if !allowed {
		return
	}

	r.log.Warn("Reconnecting after repeated failures",
		"operation", op, "consecutive_failures", r.tracker.ConsecutiveFailures())

	if err := r.port.Reopen(ctx); err != nil {
		r.log.Error("Reconnect failed", "error", err)
		return
	}
	if _, err := r.port.Probe(ctx); err != nil {
		r.log.Error("Probe after reconnect failed", "error", err)
		return
	}

	// The link is alive again. The failure counter restarts, but the
	// recovery timer stays: only a tracked operation success clears it.
	r.log.Info("Reconnect succeeded", "operation", op)
	r.tracker.ResetFailures()
}

func (r *Recovery) emergencyRecover(ctx context.Context, op string, kind Kind) {
	r.log.Warn("Attempting emergency recovery", "operation", op, "kind", kind.String())

	if err := r.port.Reset(ctx, true); err == nil {
		r.sleep(r.cfg.SettleDelay)
		if _, err := r.port.Probe(ctx); err == nil {
			r.log.Info("Recovered via soft reset", "operation", op)
			return
		}
	} else {
		r.log.Warn("Soft reset failed", "error", err)
	}

	if err := r.port.Reopen(ctx); err == nil {
		r.sleep(r.cfg.SettleDelay)
		if _, err := r.port.Probe(ctx); err == nil {
			r.log.Info("Recovered via reconnect", "operation", op)
			return
		}
	} else {
		r.log.Warn("Reconnect during emergency recovery failed", "error", err)
	}

	r.log.Error("Emergency recovery failed", "operation", op)
}

func (r *Recovery) checkRestartTimer(op string) {
	if !r.cfg.AutoRestart {
		return
	}

	r.mu.Lock()
	start := r.failureStart
	r.mu.Unlock()
	if start.IsZero() {
		return
	}

	threshold := r.cfg.RestartTimeout
	if r.tracker.HardOffline() {
		threshold = r.cfg.HardOfflineRestartTimeout
	}

	if elapsed := r.now().Sub(start); elapsed >= threshold {
		r.fatal(fmt.Sprintf("device failing for %s (threshold %s, operation %s)",
			elapsed.Round(time.Second), threshold, op))
	}
}

func (r *Recovery) fatal(reason string) {
	r.log.Error("Requesting process restart", "reason", reason)
	// Give the log sink a moment before the process goes away.
	r.sleep(r.cfg.SettleDelay)
	if r.FatalRestart != nil {
		r.FatalRestart(reason)
	}
}
