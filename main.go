package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"i4.energy/across/shortrange/modem"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the module")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("udp-address", "", "Reach the module over an AT-over-UDP tunnel instead (host[:port])")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("hostname", "", "Network host name of the module (at most 20 characters)")
	flag.Int("tls-in-buffer", 0, "TLS input buffer size of the module (0 keeps the default)")
	flag.Int("tls-out-buffer", 0, "TLS output buffer size of the module (0 keeps the default)")
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

	var dialer modem.Dialer = modem.SerialDialer{
		PortName: config.SerialPort,
		Mode: &serial.Mode{
			BaudRate: config.BaudRate,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		},
	}
	if config.UDPAddress != "" {
		dialer = modem.UDPDialer{Address: config.UDPAddress}
	}

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithHostname(config.Hostname).
		WithTLSInBufferSize(config.TLSInBufferSize).
		WithTLSOutBufferSize(config.TLSOutBufferSize).
		WithLogger(logger.With("component", "modem")).
		WithDialer(dialer).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting short-range gateway", "serial_port", config.SerialPort, "udp_address", config.UDPAddress)

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger: logger.With("component", "server"),
			Modem:  m,
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.Loop(gctx)
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for a shutdown signal or a failure of the module link
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "cause", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logger.Info("Closing HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to gracefully shutdown server", "error", err)
		}

		logger.Info("Closing modem connection")
		if err := m.Close(); err != nil {
			logger.Error("Failed to close modem", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Gateway stopped", "error", err)
		os.Exit(1)
	}
}
