package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"math/big"
	"strings"
)

const (
	// 20 random bytes = 160 bits of entropy, comfortably above the 120-bit
	// floor required for offline brute force to stay infeasible.
	sessionTokenBytes = 20
	recoveryCodeBytes = 10
)

var lowerBase32 = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// GenerateToken returns an opaque random token suitable for cookie
// transport: lowercase base32, no padding.
func GenerateToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return lowerBase32.EncodeToString(raw), nil
}

// HashToken derives the storage identifier for a token. Only this one-way
// hash is ever persisted, so a leaked storage row cannot be replayed without
// the original token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateRecoveryCode returns a human-readable backup credential:
// uppercase base32, 10 random bytes.
func GenerateRecoveryCode() (string, error) {
	raw := make([]byte, recoveryCodeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return strings.ToUpper(lowerBase32.EncodeToString(raw)), nil
}

// GenerateOTP returns a numeric one-time code of the given length for email
// verification. Each digit is drawn independently from the CSPRNG.
func GenerateOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		digits = 8
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
