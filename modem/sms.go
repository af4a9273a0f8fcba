package modem

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/gsmgw/at"
)

// SMS represents a text message stored on the modem.
type SMS struct {
	Index  int
	Status string // "REC UNREAD", "REC READ", "STO UNSENT", "STO SENT"
	Sender string
	Time   string
	Text   string

	// Report is true when the entry is a delivery status report rather
	// than an incoming message. Ref then carries the message reference of
	// the original outgoing SMS and Delivered its final state.
	Report    bool
	Ref       int
	Delivered bool
}

// SendOption customizes a single SendSMS call.
type SendOption func(*sendOptions)

type sendOptions struct {
	smsc         string
	statusReport bool
}

// WithSMSC overrides the SMS service center number for this message.
func WithSMSC(number string) SendOption {
	return func(o *sendOptions) {
		o.smsc = number
	}
}

// WithDeliveryReport requests a delivery status report for this message.
func WithDeliveryReport() SendOption {
	return func(o *sendOptions) {
		o.statusReport = true
	}
}

// SendSMS sends a text message to the specified recipient and returns the
// network-assigned message reference from the +CMGS response.
//
// The message is sent in text mode (not PDU mode). The recipient should be
// in international format (e.g., "+1234567890").
//
// This method blocks until the message is accepted by the network or an error
// occurs. Network delivery (to the final recipient) happens asynchronously
// and, when a delivery report was requested, is confirmed by a later status
// report keyed on the returned reference.
func (m *Modem) SendSMS(ctx context.Context, recipient, message string, opts ...SendOption) (int, error) {
	var options sendOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.smsc != "" {
		if _, err := m.exec(ctx, fmt.Sprintf(`AT+CSCA="%s"`, options.smsc)); err != nil {
			return 0, fmt.Errorf("set SMSC: %w", err)
		}
	}
	if options.statusReport {
		// First octet 49 sets the status-report-request bit in text mode.
		if _, err := m.exec(ctx, "AT+CSMP=49,167,0,0"); err != nil {
			return 0, fmt.Errorf("request delivery report: %w", err)
		}
	}

	// Use exec to send the initial command and get the prompt
	resp, err := m.exec(ctx, fmt.Sprintf(`AT+CMGS="%s"`, recipient))
	if err != nil {
		return 0, fmt.Errorf("AT+CMGS command failed: %w", err)
	}

	// Check if we got the prompt
	if !strings.Contains(resp, at.Prompt) {
		return 0, fmt.Errorf("did not receive SMS prompt, got: %q", resp)
	}

	// Now send the message body and wait for confirmation
	// This is essentially another exec(), but we just send the message text
	messageCmd := message + at.CtrlZ
	resp, err = m.exec(ctx, messageCmd)
	if err != nil {
		return 0, fmt.Errorf("SMS send failed: %w", err)
	}

	// Check for successful send (should contain +CMGS and OK)
	if !strings.Contains(resp, at.OK) {
		return 0, fmt.Errorf("unexpected SMS response: %s", resp)
	}

	return parseSendRef(resp), nil
}

// parseSendRef extracts the message reference from a "+CMGS: <ref>" line.
// Returns -1 when the response carries no reference.
func parseSendRef(resp string) int {
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, at.RespSendRef) {
			continue
		}
		ref, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, at.RespSendRef)))
		if err != nil {
			return -1
		}
		return ref
	}
	return -1
}

// RetrieveAll lists every message currently stored on the modem, including
// delivery status reports.
func (m *Modem) RetrieveAll(ctx context.Context) ([]SMS, error) {
	resp, err := m.exec(ctx, at.CmdListAll)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return parseMessageList(resp), nil
}

// Delete removes the message at the given storage index from the modem.
func (m *Modem) Delete(ctx context.Context, index int) error {
	if _, err := m.exec(ctx, fmt.Sprintf("AT+CMGD=%d", index)); err != nil {
		return fmt.Errorf("delete message %d: %w", index, err)
	}
	return nil
}

// parseMessageList parses the response of AT+CMGL="ALL" in text mode.
//
// Incoming messages look like:
//
//	+CMGL: 1,"REC UNREAD","+1234567890",,"24/05/01,10:30:00+08"
//	Hello there
//
// Delivery status reports have a numeric message reference in place of the
// sender address:
//
//	+CMGL: 2,"REC UNREAD",123,145,"24/05/01,10:30:00+08","24/05/01,10:31:00+08",0
func parseMessageList(resp string) []SMS {
	var out []SMS
	lines := strings.Split(resp, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, at.RespList) {
			continue
		}
		fields := splitQuoted(strings.TrimSpace(strings.TrimPrefix(line, at.RespList)))
		if len(fields) < 2 {
			continue
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		msg := SMS{
			Index:  index,
			Status: unquote(fields[1]),
		}

		if len(fields) >= 3 && !strings.HasPrefix(fields[2], `"`) {
			// Numeric third field: this entry is a status report
			ref, err := strconv.Atoi(fields[2])
			if err != nil {
				continue
			}
			msg.Report = true
			msg.Ref = ref
			// The trailing field is the TP-ST status octet; 0 is delivered.
			if st, err := strconv.Atoi(fields[len(fields)-1]); err == nil {
				msg.Delivered = st == 0
			}
			out = append(out, msg)
			continue
		}

		if len(fields) >= 3 {
			msg.Sender = unquote(fields[2])
		}
		if len(fields) >= 5 {
			msg.Time = unquote(fields[4])
		}
		// The message body is on the following line(s), until the next
		// +CMGL entry or the final OK.
		var body []string
		for i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if strings.HasPrefix(next, at.RespList) || next == at.OK {
				break
			}
			body = append(body, next)
			i++
		}
		msg.Text = strings.Join(body, "\n")
		out = append(out, msg)
	}
	return out
}

// splitQuoted splits a comma separated AT response field list, keeping
// commas inside double quotes intact.
func splitQuoted(s string) []string {
	var fields []string
	var sb strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			sb.WriteRune(r)
		case r == ',' && !inQuotes:
			fields = append(fields, strings.TrimSpace(sb.String()))
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	fields = append(fields, strings.TrimSpace(sb.String()))
	return fields
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
