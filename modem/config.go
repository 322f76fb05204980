package modem

import (
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/dns"
	"i4.energy/across/shortrange/socket"
)

const (
	// MaxHostnameLength is the longest host name the module accepts.
	MaxHostnameLength = 20
	// MinTLSBufferSize is the smallest TLS buffer the module accepts.
	MinTLSBufferSize = 512
)

type Config struct {
	Dialer Dialer
	Codec  at.Codec
	Logger *slog.Logger

	// ATTimeout applies to commands that carry no timeout of their own.
	ATTimeout   time.Duration
	InitTimeout time.Duration
	DNSTimeout  time.Duration
	// GuardTime is the silence kept around the data mode escape sequence.
	GuardTime time.Duration
	// JoinTimeout bounds the wait for the station link after a join.
	JoinTimeout time.Duration
	// RestartTimeout bounds the wait for +STARTUP after a reboot.
	RestartTimeout time.Duration

	// Hostname, when set, is announced by the module on the network.
	Hostname string
	// TLSInBufferSize and TLSOutBufferSize are left at the module default
	// when zero.
	TLSInBufferSize  int
	TLSOutBufferSize int
	// BaudRate, when set, is negotiated with the module during
	// initialization.
	BaudRate    int
	FlowControl bool

	// URCCapacity and SocketBufferSize take their defaults when zero.
	URCCapacity      int
	SocketBufferSize int
}

// ConfigError describes a rejected configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	if c.Hostname != "" {
		if utf8.RuneCountInString(c.Hostname) > MaxHostnameLength {
			return &ConfigError{Field: "hostname", Reason: fmt.Sprintf("longer than %d characters", MaxHostnameLength)}
		}
		if _, err := idna.Lookup.ToASCII(c.Hostname); err != nil {
			return &ConfigError{Field: "hostname", Reason: err.Error()}
		}
	}
	if c.TLSInBufferSize != 0 && c.TLSInBufferSize < MinTLSBufferSize {
		return &ConfigError{Field: "TLS input buffer size", Reason: fmt.Sprintf("%d is below %d", c.TLSInBufferSize, MinTLSBufferSize)}
	}
	if c.TLSOutBufferSize != 0 && c.TLSOutBufferSize < MinTLSBufferSize {
		return &ConfigError{Field: "TLS output buffer size", Reason: fmt.Sprintf("%d is below %d", c.TLSOutBufferSize, MinTLSBufferSize)}
	}
	if c.BaudRate < 0 {
		return &ConfigError{Field: "baud rate", Reason: "negative"}
	}
	if c.URCCapacity < 0 {
		return &ConfigError{Field: "URC capacity", Reason: "negative"}
	}
	if c.SocketBufferSize < 0 {
		return &ConfigError{Field: "socket buffer size", Reason: "negative"}
	}
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"AT timeout", c.ATTimeout},
		{"init timeout", c.InitTimeout},
		{"DNS timeout", c.DNSTimeout},
		{"guard time", c.GuardTime},
		{"join timeout", c.JoinTimeout},
		{"restart timeout", c.RestartTimeout},
	} {
		if d.value < 0 {
			return &ConfigError{Field: d.field, Reason: "negative"}
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Codec == nil {
		c.Codec = at.TextCodec{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.DNSTimeout == 0 {
		c.DNSTimeout = dns.DefaultTimeout
	}
	if c.GuardTime == 0 {
		c.GuardTime = time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.RestartTimeout == 0 {
		c.RestartTimeout = 10 * time.Second
	}
	if c.URCCapacity == 0 {
		c.URCCapacity = 64
	}
	if c.SocketBufferSize == 0 {
		c.SocketBufferSize = socket.DefaultBufferSize
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithCodec(c at.Codec) *ConfigBuilder {
	b.config.Codec = c
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithDNSTimeout(d time.Duration) *ConfigBuilder {
	b.config.DNSTimeout = d
	return b
}

func (b *ConfigBuilder) WithGuardTime(d time.Duration) *ConfigBuilder {
	b.config.GuardTime = d
	return b
}

func (b *ConfigBuilder) WithJoinTimeout(d time.Duration) *ConfigBuilder {
	b.config.JoinTimeout = d
	return b
}

func (b *ConfigBuilder) WithRestartTimeout(d time.Duration) *ConfigBuilder {
	b.config.RestartTimeout = d
	return b
}

func (b *ConfigBuilder) WithHostname(name string) *ConfigBuilder {
	b.config.Hostname = name
	return b
}

func (b *ConfigBuilder) WithTLSInBufferSize(n int) *ConfigBuilder {
	b.config.TLSInBufferSize = n
	return b
}

func (b *ConfigBuilder) WithTLSOutBufferSize(n int) *ConfigBuilder {
	b.config.TLSOutBufferSize = n
	return b
}

// WithBaudRate makes initialization switch the link to baud.
func (b *ConfigBuilder) WithBaudRate(baud int, flowControl bool) *ConfigBuilder {
	b.config.BaudRate = baud
	b.config.FlowControl = flowControl
	return b
}

func (b *ConfigBuilder) WithURCCapacity(n int) *ConfigBuilder {
	b.config.URCCapacity = n
	return b
}

func (b *ConfigBuilder) WithSocketBufferSize(n int) *ConfigBuilder {
	b.config.SocketBufferSize = n
	return b
}

// Build validates the configuration and fills in defaults. Out of range
// values are rejected rather than clamped.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}

// MustBuild is like Build but panics on an invalid configuration.
func (b *ConfigBuilder) MustBuild() Config {
	c, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("modem: %v", err))
	}
	return c
}
