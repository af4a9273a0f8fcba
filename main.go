package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"i4.energy/across/gsmgw/gateway"
	"i4.energy/across/gsmgw/modem"
	"i4.energy/across/gsmgw/mqttpub"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("http-token", "", "Bearer token required on POST requests (empty disables auth)")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.String("data-dir", "/var/lib/gsmgw", "Directory for persisted state")
	flag.String("mqtt-broker", "", "MQTT broker URL (empty disables MQTT)")
	flag.String("mqtt-client-id", "gsmgw", "MQTT client identifier")
	flag.String("mqtt-username", "", "MQTT username")
	flag.String("mqtt-password", "", "MQTT password")
	flag.String("mqtt-prefix", "gsmgw", "MQTT topic prefix")
	flag.Duration("exec-timeout", 15*time.Second, "Hard timeout for a single modem operation")
	flag.Duration("restart-timeout", 2*time.Minute, "Continuous failure duration before requesting a restart")
	flag.Bool("auto-recovery", true, "Enable in-process recovery (resets, reconnects)")
	flag.Bool("auto-restart", true, "Enable process restart escalation")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithSimPIN(config.SimPIN).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	// Run the modem event loop, restarting it when a reconnect replaced
	// the transport underneath it.
	go func() {
		for {
			err := m.Loop(ctx)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, modem.ErrAlreadyClosed) {
				return
			}
			logger.Warn("Modem loop exited, restarting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	queueStore, err := gateway.NewStore(config.DataDir, "retry_queue.json")
	if err != nil {
		logger.Error("Failed to open retry queue store", "error", err)
		os.Exit(1)
	}
	deliveryStore, err := gateway.NewStore(config.DataDir, "delivery_status.json")
	if err != nil {
		logger.Error("Failed to open delivery store", "error", err)
		os.Exit(1)
	}
	counterStore, err := gateway.NewStore(config.DataDir, "sms_counter.json")
	if err != nil {
		logger.Error("Failed to open counter store", "error", err)
		os.Exit(1)
	}

	queue, err := gateway.NewQueue(logger.With("component", "queue"), queueStore, config.QueueExpiry)
	if err != nil {
		logger.Error("Failed to load retry queue", "error", err)
		os.Exit(1)
	}
	deliveries, err := gateway.NewDeliveryTracker(logger.With("component", "delivery"), deliveryStore, config.MaxTrackedDeliveries)
	if err != nil {
		logger.Error("Failed to load delivery records", "error", err)
		os.Exit(1)
	}
	counters, err := gateway.NewCounters(logger.With("component", "counters"), counterStore)
	if err != nil {
		logger.Error("Failed to load counters", "error", err)
		os.Exit(1)
	}

	tracker := gateway.NewTracker(config.OfflineTimeout)
	recovery := gateway.NewRecovery(logger.With("component", "recovery"), m, tracker, gateway.RecoveryConfig{
		AutoRecovery:              config.AutoRecovery,
		AutoRestart:               config.AutoRestart,
		ReconnectThreshold:        config.ReconnectThreshold,
		ReconnectCooldown:         config.ReconnectCooldown,
		RestartTimeout:            config.RestartTimeout,
		HardOfflineRestartTimeout: config.HardOfflineRestartTimeout,
	})
	recovery.FatalRestart = func(reason string) {
		logger.Error("Exiting for supervisor restart", "reason", reason)
		os.Exit(1)
	}
	executor := gateway.NewExecutor(logger.With("component", "executor"), tracker, recovery, gateway.ExecutorConfig{
		Timeout: config.ExecTimeout,
		Breathe: config.BreatheDelay,
	})

	serviceCfg := gateway.ServiceConfig{
		Logger:             logger.With("component", "service"),
		Device:             m,
		Executor:           executor,
		Tracker:            tracker,
		Recovery:           recovery,
		Queue:              queue,
		Deliveries:         deliveries,
		Dedup:              gateway.NewDedupCache(config.DedupWindow),
		Counters:           counters,
		DeliveryReports:    config.DeliveryReports,
		StatusPollInterval: config.StatusPollInterval,
		SMSPollInterval:    config.SMSPollInterval,
	}

	var service *gateway.Service
	publisher := mqttpub.New(logger.With("component", "mqtt"), mqttpub.Config{
		Broker:   config.MQTTBroker,
		ClientID: config.MQTTClientID,
		Username: config.MQTTUsername,
		Password: config.MQTTPassword,
		Prefix:   config.MQTTPrefix,
	}, func(recipient, text, smsc string) {
		sendCtx, sendCancel := context.WithTimeout(ctx, time.Minute)
		defer sendCancel()
		if _, err := service.Send(sendCtx, recipient, text, smsc); err != nil {
			logger.Warn("MQTT-requested send failed, queued for retry", "error", err)
		}
	})
	if publisher.Enabled() {
		serviceCfg.Publisher = publisher
	}

	service = gateway.NewService(serviceCfg)
	service.Start(ctx)

	if err := publisher.Connect(ctx); err != nil {
		logger.Error("MQTT connect failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting GSM gateway", "serial_port", config.SerialPort, "data_dir", config.DataDir)

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:  logger.With("component", "server"),
			Service: service,
			Token:   config.HTTPToken,
		},
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	cancel()
	publisher.Close()

	logger.Info("Closing modem connection")
	if err := m.Close(); err != nil && !errors.Is(err, io.EOF) {
		logger.Error("Failed to close modem", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}
