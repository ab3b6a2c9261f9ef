package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/argon2"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultDataRoot         = "data"
	DefaultJWTExpiresIn     = "24h"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "waport"
	DefaultPGSSLMode        = "disable"
	DefaultBridgeURL        = "ws://127.0.0.1:8055/session"
	DefaultHandshakeTimeout = 60 * time.Second
	DefaultSendTimeout      = 15 * time.Second
	DefaultSweepInterval    = 30 * time.Second
	DefaultPendingTTL       = 24 * time.Hour

	cipherKeyBytes = 32
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Session  SessionConfig  `toml:"session"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Cipher   CipherConfig   `toml:"cipher"`
	Dispatch DispatchConfig `toml:"dispatch"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// Secret returns the JWT signing secret. It fails when the secret is unset
// so the server never installs HS256 middleware keyed on an empty string.
func (c AuthConfig) Secret() (string, error) {
	if c.JWTSecret == "" {
		return "", fmt.Errorf("auth jwt_secret is required")
	}
	return c.JWTSecret, nil
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN returns a pgx-compatible connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type SessionConfig struct {
	// DataRoot holds per-tenant browser profile directories.
	DataRoot         string `toml:"data_root"`
	HandshakeTimeout string `toml:"handshake_timeout"`
}

// HandshakeDeadline parses the configured handshake timeout, falling back to the default.
func (c SessionConfig) HandshakeDeadline() time.Duration {
	return parseDuration(c.HandshakeTimeout, DefaultHandshakeTimeout)
}

// BridgeConfig points at the WhatsApp Web bridge process.
type BridgeConfig struct {
	URL string `toml:"url"`
}

// CipherConfig configures the at-rest message body cipher. Either a 64-char
// hex key or a passphrase+salt pair (Argon2id derivation) must be provided.
type CipherConfig struct {
	KeyHex     string `toml:"key_hex"`
	Passphrase string `toml:"passphrase"`
	SaltHex    string `toml:"salt_hex"`
}

// Key resolves the 32-byte cipher key from config. It fails with a descriptive
// error when the key material is absent or malformed so the process can refuse
// to start before any session is created.
func (c CipherConfig) Key() ([]byte, error) {
	if c.KeyHex != "" {
		key, err := hex.DecodeString(c.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("cipher key_hex is not valid hex: %w", err)
		}
		if len(key) != cipherKeyBytes {
			return nil, fmt.Errorf("cipher key_hex must decode to %d bytes, got %d", cipherKeyBytes, len(key))
		}
		return key, nil
	}
	if c.Passphrase != "" {
		salt, err := hex.DecodeString(c.SaltHex)
		if err != nil {
			return nil, fmt.Errorf("cipher salt_hex is not valid hex: %w", err)
		}
		if len(salt) < 16 {
			return nil, fmt.Errorf("cipher salt_hex must decode to at least 16 bytes, got %d", len(salt))
		}
		return argon2.IDKey([]byte(c.Passphrase), salt, 1, 64*1024, 4, cipherKeyBytes), nil
	}
	return nil, fmt.Errorf("cipher key is required: set cipher.key_hex or cipher.passphrase + cipher.salt_hex")
}

type DispatchConfig struct {
	SendTimeout   string `toml:"send_timeout"`
	SweepInterval string `toml:"sweep_interval"`
	PendingTTL    string `toml:"pending_ttl"`
}

func (c DispatchConfig) SendDeadline() time.Duration {
	return parseDuration(c.SendTimeout, DefaultSendTimeout)
}

func (c DispatchConfig) Sweep() time.Duration {
	return parseDuration(c.SweepInterval, DefaultSweepInterval)
}

func (c DispatchConfig) TTL() time.Duration {
	return parseDuration(c.PendingTTL, DefaultPendingTTL)
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Session: SessionConfig{
			DataRoot: DefaultDataRoot,
		},
		Bridge: BridgeConfig{
			URL: DefaultBridgeURL,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
