package credential

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 127
)

// BreachChecker reports whether a password appears in a breached-password
// corpus.
type BreachChecker interface {
	IsBreached(ctx context.Context, password string) (bool, error)
}

// StrengthPolicy screens candidate passwords. The caller only learns a
// single boolean so the UI surfaces one generic "weak password" message
// regardless of which rule rejected it.
type StrengthPolicy struct {
	breaches BreachChecker
}

// NewStrengthPolicy creates a policy backed by the given corpus lookup.
// A nil checker skips the corpus rule.
func NewStrengthPolicy(breaches BreachChecker) *StrengthPolicy {
	return &StrengthPolicy{breaches: breaches}
}

// Acceptable reports whether password clears the length bounds and is absent
// from the breached corpus. Corpus lookup failures do not block the caller;
// an unreachable corpus service degrades to length-only screening.
func (p *StrengthPolicy) Acceptable(ctx context.Context, password string) (bool, error) {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return false, nil
	}
	if p.breaches == nil {
		return true, nil
	}

	breached, err := p.breaches.IsBreached(ctx, password)
	if err != nil {
		return true, nil
	}
	return !breached, nil
}

// PwnedPasswords queries the Have I Been Pwned range API using k-anonymity:
// only the first five hex characters of the password's SHA-1 leave the
// process, and suffixes are matched locally.
type PwnedPasswords struct {
	client  *http.Client
	baseURL string
}

// NewPwnedPasswords creates a checker against the public range endpoint.
// baseURL defaults to the production API.
func NewPwnedPasswords(client *http.Client, baseURL string) *PwnedPasswords {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if baseURL == "" {
		baseURL = "https://api.pwnedpasswords.com"
	}
	return &PwnedPasswords{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// IsBreached implements [BreachChecker].
func (p *PwnedPasswords) IsBreached(ctx context.Context, password string) (bool, error) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/range/"+prefix, nil)
	if err != nil {
		return false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("credential: pwned passwords range query returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		candidate, _, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(candidate), suffix) {
			return true, nil
		}
	}
	return false, scanner.Err()
}
