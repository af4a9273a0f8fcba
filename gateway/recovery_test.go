package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePort records recovery actions and returns scripted results.
type fakePort struct {
	calls []string

	resetErr  error
	probeErr  error
	reopenErr error
}

func (p *fakePort) Reset(_ context.Context, soft bool) error {
	if soft {
		p.calls = append(p.calls, "reset-soft")
	} else {
		p.calls = append(p.calls, "reset-hard")
	}
	return p.resetErr
}

func (p *fakePort) Probe(_ context.Context) (string, error) {
	p.calls = append(p.calls, "probe")
	if p.probeErr != nil {
		return "", p.probeErr
	}
	return "SIMCOM", nil
}

func (p *fakePort) Reopen(_ context.Context) error {
	p.calls = append(p.calls, "reopen")
	return p.reopenErr
}

type recoveryFixture struct {
	clock    *fakeClock
	port     *fakePort
	tracker  *Tracker
	recovery *Recovery
	restarts []string
}

func newRecoveryFixture(t *testing.T, cfg RecoveryConfig) *recoveryFixture {
	t.Helper()
	f := &recoveryFixture{
		clock: newFakeClock(),
		port:  &fakePort{},
	}
	f.tracker = newTestTracker(f.clock)
	f.recovery = NewRecovery(discardLogger(), f.port, f.tracker, cfg)
	f.recovery.now = f.clock.Now
	f.recovery.sleep = func(time.Duration) {}
	f.recovery.FatalRestart = func(reason string) {
		f.restarts = append(f.restarts, reason)
	}
	return f
}

// fail records a failure on the tracker and runs the escalation, the way the
// Executor does after a failed operation.
func (f *recoveryFixture) fail(op string, kind Kind) {
	f.tracker.RecordFailure(op, errors.New("boom"), kind)
	f.recovery.HandleFailure(context.Background(), op, kind)
}

func TestRecoveryFatalKinds(t *testing.T) {
	for _, kind := range []Kind{KindDeviceOpen, KindDeviceWrite} {
		t.Run(kind.String(), func(t *testing.T) {
			f := newRecoveryFixture(t, RecoveryConfig{AutoRecovery: true, AutoRestart: true})
			f.fail("SendSMS", kind)
			if len(f.restarts) != 1 {
				t.Fatalf("expected immediate restart request, got %d", len(f.restarts))
			}
			if len(f.port.calls) != 0 {
				t.Errorf("fatal kinds must not attempt recovery, got %v", f.port.calls)
			}
		})
	}
}

func TestRecoveryEmergencyRecover(t *testing.T) {
	t.Run("Soft reset first", func(t *testing.T) {
		f := newRecoveryFixture(t, RecoveryConfig{AutoRecovery: true})
		f.fail("SendSMS", KindNotConnected)
		want := []string{"reset-soft", "probe"}
		if len(f.port.calls) != len(want) {
			t.Fatalf("expected calls %v, got %v", want, f.port.calls)
		}
		for i := range want {
			if f.port.calls[i] != want[i] {
				t.Fatalf("expected calls %v, got %v", want, f.port.calls)
			}
		}
	})

	t.Run("Falls back to reconnect when reset fails", func(t *testing.T) {
		f := newRecoveryFixture(t, RecoveryConfig{AutoRecovery: true})
		f.port.resetErr = errors.New("no response")
		f.fail("SendSMS", KindTimeout)
		want := []string{"reset-soft", "reopen", "probe"}
		if len(f.port.calls) != len(want) {
			t.Fatalf("expected calls %v, got %v", want, f.port.calls)
		}
	})

	t.Run("Skipped for non-recoverable kinds", func(t *testing.T) {
		f := newRecoveryFixture(t, RecoveryConfig{AutoRecovery: true})
		f.fail("SendSMS", KindOther)
		if len(f.port.calls) != 0 {
			t.Errorf("expected no recovery attempt, got %v", f.port.calls)
		}
	})

	t.Run("Disabled without auto recovery", func(t *testing.T) {
		f := newRecoveryFixture(t, RecoveryConfig{})
		f.fail("SendSMS", KindTimeout)
		if len(f.port.calls) != 0 {
			t.Errorf("expected no recovery attempt, got %v", f.port.calls)
		}
	})
}

func TestRecoveryReconnect(t *testing.T) {
	cfg := RecoveryConfig{
		AutoRecovery:       true,
		ReconnectThreshold: 3,
		ReconnectCooldown:  time.Minute,
	}

	t.Run("Triggered at threshold", func(t *testing.T) {
		f := newRecoveryFixture(t, cfg)
		for i := 0; i < 3; i++ {
			f.fail("GetSignalQuality", KindOther)
		}
		last := f.port.calls
		if len(last) != 2 || last[0] != "reopen" || last[1] != "probe" {
			t.Fatalf("expected reconnect at threshold, got %v", last)
		}
		if f.tracker.ConsecutiveFailures() != 0 {
			t.Error("successful reconnect should reset the failure counter")
		}
	})

	t.Run("Cooldown spaces attempts", func(t *testing.T) {
		f := newRecoveryFixture(t, cfg)
		f.port.probeErr = errors.New("still dead")
		for i := 0; i < 3; i++ {
			f.fail("GetSignalQuality", KindOther)
		}
		before := len(f.port.calls)

		f.clock.Advance(10 * time.Second)
		f.fail("GetSignalQuality", KindOther)
		if len(f.port.calls) != before {
			t.Fatal("reconnect inside cooldown window should be skipped")
		}

		f.clock.Advance(time.Minute)
		f.fail("GetSignalQuality", KindOther)
		if len(f.port.calls) != before+2 {
			t.Fatalf("expected reconnect after cooldown, calls %v", f.port.calls)
		}
	})

	t.Run("Failed reconnect keeps failure counter", func(t *testing.T) {
		f := newRecoveryFixture(t, cfg)
		f.port.reopenErr = errors.New("port gone")
		for i := 0; i < 3; i++ {
			f.fail("GetSignalQuality", KindOther)
		}
		if f.tracker.ConsecutiveFailures() != 3 {
			t.Errorf("expected counter to survive failed reconnect, got %d",
				f.tracker.ConsecutiveFailures())
		}
	})
}

func TestRecoveryRestartTimer(t *testing.T) {
	cfg := RecoveryConfig{
		AutoRestart:               true,
		RestartTimeout:            2 * time.Minute,
		HardOfflineRestartTimeout: 30 * time.Second,
	}

	t.Run("Restart after timeout", func(t *testing.T) {
		f := newRecoveryFixture(t, cfg)
		f.fail("GetSignalQuality", KindOther)
		if len(f.restarts) != 0 {
			t.Fatal("restart requested too early")
		}

		f.clock.Advance(90 * time.Second)
		f.fail("GetSignalQuality", KindOther)
		if len(f.restarts) != 0 {
			t.Fatal("restart requested before timeout elapsed")
		}

		f.clock.Advance(31 * time.Second)
		f.fail("GetSignalQuality", KindOther)
		if len(f.restarts) != 1 {
			t.Fatalf("expected restart request, got %d", len(f.restarts))
		}
	})

	t.Run("Hard offline shortens the timeout", func(t *testing.T) {
		f := newRecoveryFixture(t, cfg)
		f.fail("SendSMS", KindTimeout)
		if len(f.restarts) != 0 {
			t.Fatal("restart requested too early")
		}

		f.clock.Advance(31 * time.Second)
		f.fail("SendSMS", KindTimeout)
		if len(f.restarts) != 1 {
			t.Fatalf("expected quick restart while hard offline, got %d", len(f.restarts))
		}
	})

	t.Run("Success clears the timer", func(t *testing.T) {
		f := newRecoveryFixture(t, cfg)
		f.fail("GetSignalQuality", KindOther)

		f.tracker.RecordSuccess("GetSignalQuality")
		if recovered := f.recovery.HandleSuccess("GetSignalQuality"); !recovered {
			t.Fatal("expected HandleSuccess to report the end of a failure period")
		}

		f.clock.Advance(5 * time.Minute)
		f.fail("GetSignalQuality", KindOther)
		if len(f.restarts) != 0 {
			t.Error("timer should have restarted from the new failure")
		}
	})

	t.Run("Unrelated success does not clear the timer while hard offline", func(t *testing.T) {
		f := newRecoveryFixture(t, cfg)
		f.fail("SendSMS", KindTimeout)

		f.tracker.RecordSuccess("GetSignalQuality")
		if recovered := f.recovery.HandleSuccess("GetSignalQuality"); recovered {
			t.Fatal("unrelated success must not end the failure period while hard offline")
		}
		if f.recovery.FailingSince().IsZero() {
			t.Fatal("expected the failure period to still be running")
		}

		f.clock.Advance(31 * time.Second)
		f.fail("SendSMS", KindTimeout)
		if len(f.restarts) != 1 {
			t.Errorf("expected restart despite intervening poll success, got %d", len(f.restarts))
		}
	})

	t.Run("Restart fires on success stream while hard offline", func(t *testing.T) {
		f := newRecoveryFixture(t, cfg)
		f.fail("RetrieveAllSMS", KindTimeout)

		// Status polls keep succeeding, but the wedged SMS path stays
		// unproven, so the 30-second escalation must not be postponed.
		succeed := func() {
			f.tracker.RecordSuccess("GetSignalQuality")
			f.recovery.HandleSuccess("GetSignalQuality")
		}
		f.clock.Advance(10 * time.Second)
		succeed()
		f.clock.Advance(10 * time.Second)
		succeed()
		if len(f.restarts) != 0 {
			t.Fatal("restart requested before the hard-offline timeout elapsed")
		}

		f.clock.Advance(11 * time.Second)
		succeed()
		if len(f.restarts) != 1 {
			t.Fatalf("expected restart from a success while hard offline, got %d", len(f.restarts))
		}
	})

	t.Run("Disabled without auto restart", func(t *testing.T) {
		f := newRecoveryFixture(t, RecoveryConfig{})
		f.fail("GetSignalQuality", KindOther)
		f.clock.Advance(time.Hour)
		f.fail("GetSignalQuality", KindOther)
		if len(f.restarts) != 0 {
			t.Errorf("expected no restart with auto restart disabled, got %d", len(f.restarts))
		}
	})
}
