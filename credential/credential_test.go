package credential

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testHasher(t *testing.T) *PasswordHasher {
	t.Helper()

	// Minimum-cost parameters keep the test suite fast.
	h, err := NewPasswordHasher(PasswordHasherConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	return h
}

func TestPasswordHashRoundTrip(t *testing.T) {
	h := testHasher(t)

	encoded, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("unexpected hash format: %s", encoded)
	}

	if !h.Verify(encoded, "correct horse battery staple") {
		t.Fatalf("verify of matching password failed")
	}
	if h.Verify(encoded, "correct horse battery stable") {
		t.Fatalf("verify of wrong password succeeded")
	}
}

func TestPasswordHashesAreSalted(t *testing.T) {
	h := testHasher(t)

	a, _ := h.Hash("same input")
	b, _ := h.Hash("same input")
	if a == b {
		t.Fatalf("two hashes of the same password are identical")
	}
}

func TestVerifyMalformedHashReturnsFalse(t *testing.T) {
	h := testHasher(t)

	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2id$v=19$m=8192,t=1,p=1$notbase64!$xx",
		"$bcrypt$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=1$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
	} {
		if h.Verify(encoded, "whatever") {
			t.Fatalf("verify accepted malformed hash %q", encoded)
		}
	}
}

func TestSecretBoxFreshNoncePerCall(t *testing.T) {
	box, err := NewSecretBox(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	a, err := box.EncryptString("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := box.EncryptString("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("identical plaintext produced identical ciphertext")
	}

	plain, err := box.DecryptString(a)
	if err != nil || plain != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("decrypt: %q, %v", plain, err)
	}
}

func TestSecretBoxRejectsTamperedBlob(t *testing.T) {
	box, _ := NewSecretBox(bytes.Repeat([]byte{9}, 32))

	blob, _ := box.EncryptString("secret")
	blob[len(blob)-1] ^= 0xFF
	if _, err := box.Decrypt(blob); err == nil {
		t.Fatalf("tampered blob decrypted")
	}
	if _, err := box.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Fatalf("truncated blob decrypted")
	}
}

func TestGenerateTokenShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		token, err := GenerateToken()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(token) != 32 {
			t.Fatalf("token length %d, want 32", len(token))
		}
		if strings.ToLower(token) != token {
			t.Fatalf("token %q is not lowercase", token)
		}
		if seen[token] {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = true
	}
}

func TestHashTokenIsStable(t *testing.T) {
	a := HashToken("sometoken")
	b := HashToken("sometoken")
	if a != b {
		t.Fatalf("token hash not deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("hash length %d, want 64 hex chars", len(a))
	}
	if a == "sometoken" || strings.Contains(a, "sometoken") {
		t.Fatalf("hash leaks the raw token")
	}
}

func TestGenerateOTPNumeric(t *testing.T) {
	code, err := GenerateOTP(8)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("code length %d, want 8", len(code))
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("non-digit %q in code %q", r, code)
		}
	}
}

type staticBreaches struct {
	breached bool
	err      error
}

func (s staticBreaches) IsBreached(context.Context, string) (bool, error) {
	return s.breached, s.err
}

func TestStrengthPolicy(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		password string
		breaches BreachChecker
		want     bool
	}{
		{"too short", "short", staticBreaches{}, false},
		{"breached", "password-in-corpus", staticBreaches{breached: true}, false},
		{"clean", "a perfectly fine password", staticBreaches{}, true},
		{"corpus outage fails open", "a perfectly fine password", staticBreaches{err: context.DeadlineExceeded}, true},
		{"no checker", "a perfectly fine password", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := NewStrengthPolicy(tc.breaches).Acceptable(ctx, tc.password)
			if err != nil {
				t.Fatalf("acceptable: %v", err)
			}
			if ok != tc.want {
				t.Fatalf("acceptable = %v, want %v", ok, tc.want)
			}
		})
	}
}

func TestPwnedPasswordsRangeMatching(t *testing.T) {
	// SHA-1("password") = 5BAA61E4C9B93F3F0682250B6CF8331B7EE68FD8.
	const suffix = "1E4C9B93F3F0682250B6CF8331B7EE68FD8"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/range/5BAA6") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("0018A45C4D1DEF81644B54AB7F969B88D65:1\r\n" + suffix + ":3861493\r\n"))
	}))
	defer srv.Close()

	checker := NewPwnedPasswords(srv.Client(), srv.URL)

	breached, err := checker.IsBreached(context.Background(), "password")
	if err != nil {
		t.Fatalf("is breached: %v", err)
	}
	if !breached {
		t.Fatalf("known breached password not detected")
	}

	breached, err = checker.IsBreached(context.Background(), "password") // same prefix path
	if err != nil || !breached {
		t.Fatalf("second lookup: %v %v", breached, err)
	}
}

func TestPwnedPasswordsCleanPassword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("0018A45C4D1DEF81644B54AB7F969B88D65:1\r\n"))
	}))
	defer srv.Close()

	checker := NewPwnedPasswords(srv.Client(), srv.URL)
	breached, err := checker.IsBreached(context.Background(), "password")
	if err != nil {
		t.Fatalf("is breached: %v", err)
	}
	if breached {
		t.Fatalf("clean password reported breached")
	}
}
