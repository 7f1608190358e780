package authcore

import (
	"errors"
	"fmt"

	"github.com/casavia/authcore/credential"
)

// Config carries the tunables of the Engine. Zero values are filled with
// safe defaults by Validate; SecretKey has no default and must be set.
type Config struct {
	// Issuer is the account name shown in authenticator apps.
	Issuer string
	// SecretKey is the 32-byte AES-256 key protecting second-factor
	// material at rest.
	SecretKey []byte
	// Hasher configures argon2id password hashing.
	Hasher credential.PasswordHasherConfig
	// MinPasswordLength and MaxPasswordLength bound accepted passwords.
	MinPasswordLength int
	MaxPasswordLength int
	Audit             AuditConfig
	Metrics           MetricsConfig
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops events instead of blocking the hot path when the
	// buffer is saturated.
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns a Config with production defaults. SecretKey must
// still be provided by the caller.
func DefaultConfig() Config {
	return Config{
		Issuer:            "Casavia",
		Hasher:            credential.DefaultPasswordHasherConfig(),
		MinPasswordLength: 8,
		MaxPasswordLength: 127,
		Audit:             AuditConfig{Enabled: true, BufferSize: 256, DropIfFull: true},
		Metrics:           MetricsConfig{Enabled: true},
	}
}

// Validate fills defaults and rejects unusable configurations.
func (c *Config) Validate() error {
	if len(c.SecretKey) != 32 {
		return fmt.Errorf("config: secret key must be 32 bytes, got %d", len(c.SecretKey))
	}
	if c.Issuer == "" {
		c.Issuer = "Casavia"
	}
	if c.MinPasswordLength <= 0 {
		c.MinPasswordLength = 8
	}
	if c.MaxPasswordLength <= 0 {
		c.MaxPasswordLength = 127
	}
	if c.MinPasswordLength > c.MaxPasswordLength {
		return errors.New("config: min password length exceeds max")
	}
	if c.Hasher.Memory == 0 {
		c.Hasher = credential.DefaultPasswordHasherConfig()
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = 256
	}
	return nil
}
