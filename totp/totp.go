// Package totp implements RFC 6238 time-based one-time passwords for the
// second-factor challenge: HMAC-SHA1, 30-second steps, 6 digits, and a
// provisioning URI for authenticator apps.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// KeyBytes is the exact raw length of an accepted shared secret.
const KeyBytes = 20

const (
	defaultDigits = 6
	defaultPeriod = 30
)

// ErrInvalidKey is returned when a caller-supplied base32 key does not
// decode to exactly [KeyBytes] raw bytes.
var ErrInvalidKey = errors.New("totp: key must be 20 raw bytes of base32")

// Verifier checks 6-digit codes against a shared secret.
type Verifier struct {
	issuer string
	digits int
	period int
	skew   int
}

// NewVerifier creates a verifier. issuer appears in provisioning URIs. skew
// is the number of adjacent 30-second steps accepted on either side of now.
func NewVerifier(issuer string, skew int) *Verifier {
	if skew < 0 {
		skew = 0
	}
	return &Verifier{
		issuer: issuer,
		digits: defaultDigits,
		period: defaultPeriod,
		skew:   skew,
	}
}

// DecodeKey parses a caller-supplied base32 key (padding optional) and
// enforces the 20-raw-byte length precondition.
func DecodeKey(encoded string) ([]byte, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(encoded))
	cleaned = strings.TrimRight(cleaned, "=")

	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(cleaned)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(raw) != KeyBytes {
		return nil, ErrInvalidKey
	}
	return raw, nil
}

// EncodeKey renders a raw key for display and provisioning.
func EncodeKey(raw []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
}

// ProvisionURI builds the otpauth:// URI encoding the secret and parameters
// for authenticator apps.
func (v *Verifier) ProvisionURI(raw []byte, account string) string {
	params := url.Values{}
	params.Set("secret", EncodeKey(raw))
	params.Set("issuer", v.issuer)
	params.Set("period", strconv.Itoa(v.period))
	params.Set("digits", strconv.Itoa(v.digits))
	params.Set("algorithm", "SHA1")

	label := url.PathEscape(v.issuer + ":" + account)
	return "otpauth://totp/" + label + "?" + params.Encode()
}

// Verify reports whether code matches the secret at the given time,
// tolerating the configured step skew. Shape violations (wrong length,
// non-digits) report false without error.
func (v *Verifier) Verify(secret []byte, code string, now time.Time) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != v.digits || !isDigits(trimmed) {
		return false, nil
	}
	if len(secret) == 0 {
		return false, errors.New("totp: empty secret")
	}

	baseCounter := now.Unix() / int64(v.period)
	for step := -v.skew; step <= v.skew; step++ {
		counter := baseCounter + int64(step)
		if counter < 0 {
			continue
		}
		generated := hotp(secret, counter, v.digits)
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// Code computes the current code for a secret. Used by setup flows to issue
// a pairing check and by tests.
func (v *Verifier) Code(secret []byte, now time.Time) string {
	return hotp(secret, now.Unix()/int64(v.period), v.digits)
}

func hotp(secret []byte, counter int64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
