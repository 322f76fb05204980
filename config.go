package main

import (
	"flag"
	"os"
	"strconv"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort is the path to the module's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the module (e.g. 115200)
	BaudRate int
	// UDPAddress reaches a module that tunnels AT over UDP. When set it
	// takes precedence over SerialPort.
	UDPAddress string
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// Hostname is announced by the module on the network
	Hostname string
	// TLSInBufferSize and TLSOutBufferSize size the module's TLS buffers; zero
	// keeps the module default
	TLSInBufferSize  int
	TLSOutBufferSize int
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
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if udp := os.Getenv("UDP_ADDRESS"); udp != "" {
			c.UDPAddress = udp
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if hostname := os.Getenv("MODULE_HOSTNAME"); hostname != "" {
			c.Hostname = hostname
		}

		if size := os.Getenv("TLS_IN_BUFFER"); size != "" {
			if n, err := strconv.Atoi(size); err == nil {
				c.TLSInBufferSize = n
			}
		}

		if size := os.Getenv("TLS_OUT_BUFFER"); size != "" {
			if n, err := strconv.Atoi(size); err == nil {
				c.TLSOutBufferSize = n
			}
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "udp-address":
				c.UDPAddress = f.Value.String()
			case "log-level":
				c.LogLevel = f.Value.String()
			case "hostname":
				c.Hostname = f.Value.String()
			case "tls-in-buffer":
				if n, err := strconv.Atoi(f.Value.String()); err == nil {
					c.TLSInBufferSize = n
				}
			case "tls-out-buffer":
				if n, err := strconv.Atoi(f.Value.String()); err == nil {
					c.TLSOutBufferSize = n
				}
			}

		})
		return nil
	}

}
