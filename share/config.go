package plshare

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sammck-go/pipelink/pkg/pipenet"
)

// Default tunables. MessageBufferSize differs between the multiplexer
// (small request/response traffic) and a standalone duplex channel (bulk
// payloads).
const (
	DefaultMessageBufferSize        = 4096
	DefaultChannelBufferSize        = 65536
	DefaultMaxClients               = 16
	DefaultConnectionTimeout        = 500 * time.Millisecond
	DefaultReconnectPollingInterval = 500 * time.Millisecond
	DefaultRequestTimeout           = 5000 * time.Millisecond
	DefaultWriteCacheLimit          = 64
)

// Duration is a time.Duration that can be read from a TOML string such as
// "500ms" or "2s"
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config carries every tunable of a pipelink endpoint. The zero value is
// not usable; start from DefaultConfig or LoadConfig.
type Config struct {
	// PipeName is the base pipe name; the multiplexer derives the duplex
	// pair names from it by suffixing "-IN" and "-OUT".
	PipeName string `toml:"pipe_name"`

	// SocketDir is the directory pipe sockets are created in. Empty means
	// the system temporary directory.
	SocketDir string `toml:"socket_dir"`

	// MessageBufferSize bounds one logical message.
	MessageBufferSize int `toml:"message_buffer_size"`

	// MaxClients bounds concurrently connected multiplexer clients.
	MaxClients int `toml:"max_clients"`

	// ConnectionTimeout bounds one connection attempt.
	ConnectionTimeout Duration `toml:"connection_timeout"`

	// ReconnectPollingInterval paces the client reconnect loop; zero
	// selects one-shot connect mode.
	ReconnectPollingInterval Duration `toml:"reconnect_polling_interval"`

	// RequestTimeout bounds combined-channel requests and the bootstrap
	// key read.
	RequestTimeout Duration `toml:"request_timeout"`

	// UseEncryption enables the AES stage of the channel codec chain.
	UseEncryption bool `toml:"use_encryption"`

	// UseCompression enables the DEFLATE stage of the channel codec chain.
	UseCompression bool `toml:"use_compression"`

	// WorldAccessible opens listening sockets to peers under other users.
	WorldAccessible bool `toml:"world_accessible"`

	// WriteCacheLimit caps messages buffered by a named-pipe server channel
	// before its first client connects.
	WriteCacheLimit int `toml:"write_cache_limit"`

	// LogLevel filters log output ("error", "info", "debug", ...).
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns a Config with every tunable at its default
func DefaultConfig() *Config {
	return &Config{
		SocketDir:                os.TempDir(),
		MessageBufferSize:        DefaultMessageBufferSize,
		MaxClients:               DefaultMaxClients,
		ConnectionTimeout:        Duration(DefaultConnectionTimeout),
		ReconnectPollingInterval: Duration(DefaultReconnectPollingInterval),
		RequestTimeout:           Duration(DefaultRequestTimeout),
		UseEncryption:            true,
		UseCompression:           true,
		WriteCacheLimit:          DefaultWriteCacheLimit,
		LogLevel:                 "info",
	}
}

// LoadConfig reads a TOML file over the defaults, so absent keys keep
// their default values
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, configErrorf("cannot load %s: %s", path, err)
	}
	return cfg, nil
}

// pipeConfig derives the transport-layer view of this Config
func (c *Config) pipeConfig() pipenet.Config {
	bufSize := c.MessageBufferSize
	if bufSize <= 0 {
		bufSize = DefaultMessageBufferSize
	}
	return pipenet.Config{
		SocketDir:         c.SocketDir,
		MessageBufferSize: bufSize,
		WorldAccessible:   c.WorldAccessible,
	}
}

// connectionTimeout returns the configured connection timeout, defaulted
func (c *Config) connectionTimeout() time.Duration {
	if c.ConnectionTimeout <= 0 {
		return DefaultConnectionTimeout
	}
	return c.ConnectionTimeout.D()
}

// requestTimeout returns the configured request timeout, defaulted
func (c *Config) requestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return c.RequestTimeout.D()
}

// logger builds a Logger honoring the configured level
func (c *Config) logger(prefix string) Logger {
	level := StringToLogLevel(c.LogLevel)
	if level == LogLevelUnknown {
		level = LogLevelInfo
	}
	return NewLogger(prefix, level)
}
