package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argonAlgorithmID = "argon2id"

// PasswordHasherConfig tunes the argon2id cost parameters. The zero value is
// replaced by [DefaultPasswordHasherConfig].
type PasswordHasherConfig struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultPasswordHasherConfig returns production-grade argon2id parameters.
func DefaultPasswordHasherConfig() PasswordHasherConfig {
	return PasswordHasherConfig{
		Memory:      19 * 1024,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// PasswordHasher hashes and verifies passwords with argon2id in PHC string
// format.
type PasswordHasher struct {
	config PasswordHasherConfig
}

// NewPasswordHasher validates cfg and returns a hasher. Zero-value cfg falls
// back to defaults.
func NewPasswordHasher(cfg PasswordHasherConfig) (*PasswordHasher, error) {
	if cfg == (PasswordHasherConfig{}) {
		cfg = DefaultPasswordHasherConfig()
	}
	if cfg.Memory < 8*1024 {
		return nil, errors.New("credential: argon2 memory must be >= 8192 KiB")
	}
	if cfg.Time < 1 {
		return nil, errors.New("credential: argon2 time must be >= 1")
	}
	if cfg.Parallelism < 1 {
		return nil, errors.New("credential: argon2 parallelism must be >= 1")
	}
	if cfg.SaltLength < 16 {
		return nil, errors.New("credential: argon2 salt length must be >= 16")
	}
	if cfg.KeyLength < 16 {
		return nil, errors.New("credential: argon2 key length must be >= 16")
	}
	return &PasswordHasher{config: cfg}, nil
}

// Hash derives a fresh salted argon2id hash of password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		h.config.Time,
		h.config.Memory,
		h.config.Parallelism,
		h.config.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argonAlgorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the hash with the encoded parameters and compares in
// constant time. Any mismatch, including a malformed or foreign hash,
// reports false; verification never surfaces an error into caller-visible
// state.
func (h *PasswordHasher) Verify(encodedHash, candidate string) bool {
	parsed, err := parseArgonHash(encodedHash)
	if err != nil {
		return false
	}

	computed := argon2.IDKey(
		[]byte(candidate),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		uint32(len(parsed.key)),
	)

	return subtle.ConstantTimeCompare(computed, parsed.key) == 1
}

type argonHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parseArgonHash(encoded string) (*argonHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argonAlgorithmID {
		return nil, errors.New("invalid PHC format")
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	var parsed argonHash
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("invalid parameter entry")
		}
		v, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, errors.New("invalid parameter value")
		}
		switch kv[0] {
		case "m":
			parsed.memory = uint32(v)
		case "t":
			parsed.time = uint32(v)
		case "p":
			if v > 255 {
				return nil, errors.New("invalid parallelism")
			}
			parsed.parallelism = uint8(v)
		default:
			return nil, errors.New("unsupported parameter")
		}
	}
	if parsed.memory == 0 || parsed.time == 0 || parsed.parallelism == 0 {
		return nil, errors.New("missing parameters")
	}

	if parsed.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(parsed.salt) == 0 {
		return nil, errors.New("invalid salt encoding")
	}
	if parsed.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(parsed.key) == 0 {
		return nil, errors.New("invalid hash encoding")
	}

	return &parsed, nil
}
