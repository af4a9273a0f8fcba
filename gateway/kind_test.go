package gateway

import (
	"context"
	"fmt"
	"testing"

	"i4.energy/across/gsmgw/modem"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"Nil", nil, KindNone},
		{"Deadline", context.DeadlineExceeded, KindTimeout},
		{"Wrapped deadline", fmt.Errorf("operation SendSMS: %w", context.DeadlineExceeded), KindTimeout},
		{"Device open", fmt.Errorf("reopen: %w", modem.ErrDeviceOpen), KindDeviceOpen},
		{"Device write", modem.ErrDeviceWrite, KindDeviceWrite},
		{"Not connected", modem.ErrNotConnected, KindNotConnected},
		{"Empty SMSC", modem.ErrEmptySMSC, KindEmptySMSC},
		{"Internal", modem.ErrInternal, KindInternal},
		{"Not initialized", modem.ErrNotInitialized, KindInternal},
		{"Plain error", fmt.Errorf("boom"), KindOther},
		{"Canceled", context.Canceled, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %s, expected %s", tt.err, got, tt.expected)
			}
		})
	}
}

func TestKindProperties(t *testing.T) {
	fatal := map[Kind]bool{KindDeviceOpen: true, KindDeviceWrite: true}
	recoverable := map[Kind]bool{
		KindTimeout: true, KindNotConnected: true, KindEmptySMSC: true, KindInternal: true,
	}

	all := []Kind{
		KindNone, KindTimeout, KindDeviceOpen, KindDeviceWrite,
		KindNotConnected, KindEmptySMSC, KindInternal, KindOther,
	}
	for _, k := range all {
		if got := k.Fatal(); got != fatal[k] {
			t.Errorf("%s.Fatal() = %v, expected %v", k, got, fatal[k])
		}
		if got := k.Recoverable(); got != recoverable[k] {
			t.Errorf("%s.Recoverable() = %v, expected %v", k, got, recoverable[k])
		}
	}
}
