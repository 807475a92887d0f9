package websocket

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/errors"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

const (
	DevHost  = "localhost"
	DevPort  = 8787
	ProdHost = "api.sidechain.app"
	ProdPort = 443
	WSPath   = "/api/v1/ws"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultQueueSize         = 100
	DefaultWriteTimeout      = 10 * time.Second
)

// Config is an immutable snapshot of connection parameters.
type Config struct {
	Host   string
	Port   int
	Path   string
	UseTLS bool

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// ReconnectJitter randomizes each delay by up to this fraction (0-1). The cap still holds.
	ReconnectJitter float64
	// MaxReconnectAttempts bounds retries; -1 means unlimited.
	MaxReconnectAttempts int

	// MessageQueueMaxSize bounds the outbound queue used while disconnected.
	MessageQueueMaxSize int
}

// Development returns the local development preset.
func Development() Config {
	return Config{
		Host:                 DevHost,
		Port:                 DevPort,
		Path:                 WSPath,
		UseTLS:               false,
		ConnectTimeout:       DefaultConnectTimeout,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		WriteTimeout:         DefaultWriteTimeout,
		ReconnectBaseDelay:   DefaultReconnectBase,
		ReconnectMaxDelay:    DefaultReconnectMax,
		MaxReconnectAttempts: -1,
		MessageQueueMaxSize:  DefaultQueueSize,
	}
}

// Production returns the production preset.
func Production() Config {
	return Config{
		Host:                 ProdHost,
		Port:                 ProdPort,
		Path:                 WSPath,
		UseTLS:               true,
		ConnectTimeout:       15 * time.Second,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		WriteTimeout:         DefaultWriteTimeout,
		ReconnectBaseDelay:   2 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: -1,
		MessageQueueMaxSize:  DefaultQueueSize,
	}
}

// Preset resolves a preset by name.
func Preset(name string) (Config, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "dev", "development":
		return Development(), true
	case "prod", "production":
		return Production(), true
	default:
		return Config{}, false
	}
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.Wrap(exception.ErrInvalidConfig, "empty host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Wrapf(exception.ErrInvalidConfig, "port out of range: %d", c.Port)
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return errors.Wrapf(exception.ErrInvalidConfig, "path must start with '/': %q", c.Path)
	}
	if c.ConnectTimeout <= 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "connect timeout must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "heartbeat interval must be > 0")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.Wrapf(exception.ErrInvalidConfig, "reconnect delays invalid: base %s, max %s", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return errors.Wrap(exception.ErrInvalidConfig, "reconnect jitter must be between 0 and 1")
	}
	if c.MaxReconnectAttempts < -1 {
		return errors.Wrap(exception.ErrInvalidConfig, "max reconnect attempts must be >= -1")
	}
	if c.MessageQueueMaxSize <= 0 {
		return errors.Wrap(exception.ErrInvalidConfig, "message queue size must be > 0")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Backoff returns the reconnect policy described by the config.
func (c Config) Backoff() Backoff {
	return Backoff{
		Base:        c.ReconnectBaseDelay,
		Max:         c.ReconnectMaxDelay,
		MaxAttempts: c.MaxReconnectAttempts,
		Jitter:      c.ReconnectJitter,
	}
}

// URI builds the connection URI, attaching token as a query parameter when set.
func (c Config) URI(token string) string {
	scheme := "ws"
	defaultPort := 80
	if c.UseTLS {
		scheme = "wss"
		defaultPort = 443
	}
	host := strings.TrimSuffix(strings.TrimPrefix(c.Host, "["), "]")
	switch {
	case c.Port != defaultPort:
		host = net.JoinHostPort(host, strconv.Itoa(c.Port))
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}

	path, rawQuery, _ := strings.Cut(c.Path, "?")
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: rawQuery,
	}
	if token != "" {
		query := u.Query()
		query.Set("token", token)
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// redactToken hides the token query parameter so URIs can be logged.
func redactToken(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	query := u.Query()
	if query.Get("token") == "" {
		return uri
	}
	query.Set("token", "redacted")
	u.RawQuery = query.Encode()
	return u.String()
}
