package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// HTTPToken, when set, is required as a bearer token on POST requests
	HTTPToken string
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// SimPIN is the SIM card PIN code
	SimPIN string
	// DataDir is where the queue, delivery and counter documents persist
	DataDir string

	// MQTT settings; an empty broker disables MQTT entirely
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTPrefix   string

	// Resilience settings
	ExecTimeout               time.Duration
	BreatheDelay              time.Duration
	OfflineTimeout            time.Duration
	RestartTimeout            time.Duration
	HardOfflineRestartTimeout time.Duration
	ReconnectThreshold        int
	ReconnectCooldown         time.Duration
	QueueExpiry               time.Duration
	DedupWindow               time.Duration
	MaxTrackedDeliveries      int
	StatusPollInterval        time.Duration
	SMSPollInterval           time.Duration
	AutoRecovery              bool
	AutoRestart               bool
	DeliveryReports           bool
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.DataDir = "/var/lib/gsmgw"
		c.MQTTClientID = "gsmgw"
		c.MQTTPrefix = "gsmgw"
		c.ExecTimeout = 15 * time.Second
		c.BreatheDelay = 300 * time.Millisecond
		c.OfflineTimeout = 15 * time.Minute
		c.RestartTimeout = 2 * time.Minute
		c.HardOfflineRestartTimeout = 30 * time.Second
		c.ReconnectThreshold = 5
		c.ReconnectCooldown = time.Minute
		c.QueueExpiry = time.Hour
		c.DedupWindow = 15 * time.Second
		c.MaxTrackedDeliveries = 50
		c.StatusPollInterval = time.Minute
		c.SMSPollInterval = 30 * time.Second
		c.AutoRecovery = true
		c.AutoRestart = true
		c.DeliveryReports = true
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		setString(&c.BindAddress, "BIND_ADDRESS")
		setString(&c.HTTPToken, "HTTP_TOKEN")
		setString(&c.SerialPort, "SERIAL_PORT")
		setInt(&c.BaudRate, "BAUD_RATE")
		setString(&c.LogLevel, "LOG_LEVEL")
		setString(&c.SimPIN, "SIM_PIN")
		setString(&c.DataDir, "DATA_DIR")

		setString(&c.MQTTBroker, "MQTT_BROKER")
		setString(&c.MQTTClientID, "MQTT_CLIENT_ID")
		setString(&c.MQTTUsername, "MQTT_USERNAME")
		setString(&c.MQTTPassword, "MQTT_PASSWORD")
		setString(&c.MQTTPrefix, "MQTT_PREFIX")

		setDuration(&c.ExecTimeout, "EXEC_TIMEOUT")
		setDuration(&c.BreatheDelay, "BREATHE_DELAY")
		setDuration(&c.OfflineTimeout, "OFFLINE_TIMEOUT")
		setDuration(&c.RestartTimeout, "RESTART_TIMEOUT")
		setDuration(&c.HardOfflineRestartTimeout, "HARD_OFFLINE_RESTART_TIMEOUT")
		setInt(&c.ReconnectThreshold, "RECONNECT_THRESHOLD")
		setDuration(&c.ReconnectCooldown, "RECONNECT_COOLDOWN")
		setDuration(&c.QueueExpiry, "QUEUE_EXPIRY")
		setDuration(&c.DedupWindow, "DEDUP_WINDOW")
		setInt(&c.MaxTrackedDeliveries, "MAX_TRACKED_DELIVERIES")
		setDuration(&c.StatusPollInterval, "STATUS_POLL_INTERVAL")
		setDuration(&c.SMSPollInterval, "SMS_POLL_INTERVAL")
		setBool(&c.AutoRecovery, "AUTO_RECOVERY")
		setBool(&c.AutoRestart, "AUTO_RESTART")
		setBool(&c.DeliveryReports, "DELIVERY_REPORTS")
		return nil
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "http-token":
				c.HTTPToken = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "data-dir":
				c.DataDir = f.Value.String()
			case "mqtt-broker":
				c.MQTTBroker = f.Value.String()
			case "mqtt-client-id":
				c.MQTTClientID = f.Value.String()
			case "mqtt-username":
				c.MQTTUsername = f.Value.String()
			case "mqtt-password":
				c.MQTTPassword = f.Value.String()
			case "mqtt-prefix":
				c.MQTTPrefix = f.Value.String()
			case "exec-timeout":
				if d, err := time.ParseDuration(f.Value.String()); err == nil {
					c.ExecTimeout = d
				}
			case "restart-timeout":
				if d, err := time.ParseDuration(f.Value.String()); err == nil {
					c.RestartTimeout = d
				}
			case "auto-recovery":
				if b, err := strconv.ParseBool(f.Value.String()); err == nil {
					c.AutoRecovery = b
				}
			case "auto-restart":
				if b, err := strconv.ParseBool(f.Value.String()); err == nil {
					c.AutoRestart = b
				}
			}

		})
		return nil
	}

}
