package modem

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/gsmgw/at"
)

// SignalQuality reports the radio link quality as returned by AT+CSQ.
type SignalQuality struct {
	// RSSI is the raw received signal strength indicator (0-31, 99 unknown).
	RSSI int
	// BER is the raw bit error rate indicator (0-7, 99 unknown).
	BER int
	// Percent is RSSI scaled to 0-100, or -1 when unknown.
	Percent int
}

// StorageStatus reports SMS memory usage as returned by AT+CPMS?.
type StorageStatus struct {
	Storage string
	Used    int
	Total   int
}

// SignalQuality queries the current radio signal quality.
func (m *Modem) SignalQuality(ctx context.Context) (SignalQuality, error) {
	resp, err := m.exec(ctx, at.CmdSignal)
	if err != nil {
		return SignalQuality{}, fmt.Errorf("query signal quality: %w", err)
	}
	return parseSignalQuality(resp)
}

// ReadStatus queries the SMS storage usage of the preferred memory.
func (m *Modem) ReadStatus(ctx context.Context) (StorageStatus, error) {
	resp, err := m.exec(ctx, at.CmdStorage)
	if err != nil {
		return StorageStatus{}, fmt.Errorf("query storage status: %w", err)
	}
	return parseStorageStatus(resp)
}

// Probe asks the modem for its manufacturer identification. It is the
// cheapest command that proves the AT link is alive end to end, so the
// recovery path uses it as a liveness check after reconnects and resets.
func (m *Modem) Probe(ctx context.Context) (string, error) {
	resp, err := m.exec(ctx, at.CmdManufacturer)
	if err != nil {
		return "", fmt.Errorf("probe modem: %w", err)
	}
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != at.OK {
			return line, nil
		}
	}
	return "", fmt.Errorf("%w: empty probe response %q", ErrInternal, resp)
}

// Reset restarts the modem. A soft reset (AT+CFUN=1,1) power-cycles the
// radio without dropping the serial link; a hard reset (ATZ) restores the
// factory AT profile. Either way the modem needs a settling period before
// it accepts commands again.
func (m *Modem) Reset(ctx context.Context, soft bool) error {
	cmd := at.CmdReset
	if soft {
		cmd = at.CmdSoftReset
	}
	if _, err := m.exec(ctx, cmd); err != nil {
		return fmt.Errorf("reset modem: %w", err)
	}
	return nil
}

// parseSignalQuality parses a "+CSQ: <rssi>,<ber>" response.
func parseSignalQuality(resp string) (SignalQuality, error) {
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, at.RespSignal) {
			continue
		}
		parts := strings.Split(strings.TrimSpace(strings.TrimPrefix(line, at.RespSignal)), ",")
		if len(parts) != 2 {
			return SignalQuality{}, fmt.Errorf("%w: malformed signal response %q", ErrInternal, line)
		}
		rssi, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return SignalQuality{}, fmt.Errorf("%w: malformed RSSI in %q", ErrInternal, line)
		}
		ber, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return SignalQuality{}, fmt.Errorf("%w: malformed BER in %q", ErrInternal, line)
		}
		q := SignalQuality{RSSI: rssi, BER: ber, Percent: -1}
		if rssi >= 0 && rssi <= 31 {
			q.Percent = rssi * 100 / 31
		}
		return q, nil
	}
	return SignalQuality{}, fmt.Errorf("%w: no signal data in %q", ErrInternal, resp)
}

// parseStorageStatus parses a `+CPMS: "SM",3,30,...` response. Only the
// first (read) storage is reported.
func parseStorageStatus(resp string) (StorageStatus, error) {
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, at.RespStorage) {
			continue
		}
		fields := splitQuoted(strings.TrimSpace(strings.TrimPrefix(line, at.RespStorage)))
		if len(fields) < 3 {
			return StorageStatus{}, fmt.Errorf("%w: malformed storage response %q", ErrInternal, line)
		}
		used, err := strconv.Atoi(fields[1])
		if err != nil {
			return StorageStatus{}, fmt.Errorf("%w: malformed used count in %q", ErrInternal, line)
		}
		total, err := strconv.Atoi(fields[2])
		if err != nil {
			return StorageStatus{}, fmt.Errorf("%w: malformed total count in %q", ErrInternal, line)
		}
		return StorageStatus{Storage: unquote(fields[0]), Used: used, Total: total}, nil
	}
	return StorageStatus{}, fmt.Errorf("%w: no storage data in %q", ErrInternal, resp)
}
