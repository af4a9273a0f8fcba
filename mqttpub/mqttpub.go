// Package mqttpub publishes gateway state over MQTT and consumes the
// durable send topic.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/gsmgw/gateway"
)

// Config holds the MQTT connection settings. An empty Broker disables the
// whole publisher.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix is prepended to every topic (e.g. "gsmgw").
	Prefix string
}

// SendRequest is the payload accepted on the send topic. Both the long and
// the short field names are accepted for compatibility with older clients.
type SendRequest struct {
	Recipient string `json:"recipient"`
	Number    string `json:"number"`
	Text      string `json:"text"`
	SMSC      string `json:"smsc"`
}

// Publisher implements gateway.Publisher over MQTT and feeds send requests
// from the retained send topic into the gateway.
//
// All state topics are published retained so a consumer coming online sees
// the latest state immediately. The availability topic doubles as the LWT:
// the broker flips it to "offline" when the connection drops.
type Publisher struct {
	log    *slog.Logger
	cfg    Config
	cli    mqtt.Client
	onSend func(recipient, text, smsc string)
}

// New builds a Publisher. onSend receives validated send requests from the
// send topic; it must not block. When cfg.Broker is empty the returned
// Publisher is a no-op and Connect does nothing.
func New(logger *slog.Logger, cfg Config, onSend func(recipient, text, smsc string)) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "gsmgw"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "gsmgw"
	}
	return &Publisher{
		log:    logger,
		cfg:    cfg,
		onSend: onSend,
	}
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.cfg.Broker != ""
}

// Connect establishes the MQTT session and subscribes to the send topic.
func (p *Publisher) Connect(ctx context.Context) error {
	if !p.Enabled() {
		p.log.Info("MQTT disabled, no broker configured")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetWill(p.topic("availability"), "offline", 1, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.log.Info("MQTT connected", "broker", p.cfg.Broker)
		c.Publish(p.topic("availability"), 1, true, "online")
		sendTopic := p.topic("send")
		if token := c.Subscribe(sendTopic, 1, p.handleSend); token.Wait() && token.Error() != nil {
			p.log.Error("MQTT subscribe failed", "topic", sendTopic, "error", token.Error())
		}
	})

	p.cli = mqtt.NewClient(opts)
	token := p.cli.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("mqtt connect to %s timed out", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.cfg.Broker, err)
	}
	return nil
}

// Close announces unavailability and disconnects.
func (p *Publisher) Close() {
	if p.cli == nil {
		return
	}
	p.cli.Publish(p.topic("availability"), 1, true, "offline").WaitTimeout(time.Second)
	p.cli.Disconnect(500)
}

// handleSend consumes one retained send request. The retained payload is
// cleared first so a restart does not replay an already-consumed request;
// the durable retry queue takes over responsibility from here.
func (p *Publisher) handleSend(c mqtt.Client, m mqtt.Message) {
	if len(m.Payload()) == 0 {
		// Our own clear publication echoing back.
		return
	}
	c.Publish(m.Topic(), 1, true, []byte{})

	var req SendRequest
	if err := json.Unmarshal(m.Payload(), &req); err != nil {
		p.log.Error("Dropping malformed send request", "error", err)
		return
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = req.Number
	}
	if recipient == "" || req.Text == "" {
		p.log.Error("Dropping send request without recipient or text")
		return
	}
	go p.onSend(recipient, req.Text, req.SMSC)
}

// PublishDeviceStatus implements gateway.Publisher.
func (p *Publisher) PublishDeviceStatus(data gateway.StatusData) {
	p.publishJSON("device_status/state", data)
}

// PublishDeliveryStatus implements gateway.Publisher.
func (p *Publisher) PublishDeliveryStatus(data gateway.DeliveryStatus) {
	p.publishJSON("delivery_status", data)
}

// PublishCounters implements gateway.Publisher.
func (p *Publisher) PublishCounters(data gateway.CounterData) {
	p.publishJSON("sms_counter/state", data)
}

// PublishReceived implements gateway.Publisher.
func (p *Publisher) PublishReceived(data gateway.ReceivedSMS) {
	p.publishJSON("sms/state", data)
}

func (p *Publisher) publishJSON(subtopic string, v any) {
	if p.cli == nil || !p.cli.IsConnectionOpen() {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		p.log.Error("Failed to encode MQTT payload", "topic", subtopic, "error", err)
		return
	}
	p.cli.Publish(p.topic(subtopic), 1, true, payload)
}

func (p *Publisher) topic(subtopic string) string {
	return p.cfg.Prefix + "/" + subtopic
}
