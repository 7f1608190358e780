package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/casavia/authcore"
	"github.com/casavia/authcore/credential"
	"github.com/casavia/authcore/ratelimit"
	"github.com/casavia/authcore/resetsession"
	"github.com/casavia/authcore/session"
	"github.com/casavia/authcore/user"
)

type recordingMail struct {
	mu    sync.Mutex
	codes []string
}

func (m *recordingMail) SendVerificationEmail(_ context.Context, _, _, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code)
	return nil
}

func (m *recordingMail) SendPasswordResetEmail(_ context.Context, _, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code)
	return nil
}

func (m *recordingMail) last(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.codes) == 0 {
		t.Fatal("no email sent")
	}
	return m.codes[len(m.codes)-1]
}

func newTestRouter(t *testing.T, opts Options) (*gin.Engine, *recordingMail) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := authcore.DefaultConfig()
	cfg.SecretKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Hasher = credential.PasswordHasherConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
	cfg.Audit.Enabled = false

	mail := &recordingMail{}
	limits := ratelimit.NewMemoryStore()
	engine, err := authcore.New(cfg, authcore.Deps{
		Users:         user.NewMemoryStore(),
		Sessions:      session.NewStore(client, "s"),
		ResetSessions: resetsession.NewStore(client, "pr"),
		Limits:        limits,
		Mail:          mail,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(engine.Close)

	return NewHandler(engine, limits, nil, opts).Router(), mail
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.1:40000"
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func cookieNamed(t *testing.T, w *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, ck := range w.Result().Cookies() {
		if ck.Name == name {
			return ck
		}
	}
	t.Fatalf("no %q cookie in response", name)
	return nil
}

func TestSignUpSetsSessionCookie(t *testing.T) {
	r, _ := newTestRouter(t, Options{})

	w := doJSON(t, r, http.MethodPost, "/auth/signup",
		`{"email":"marta@casavia.test","username":"marta","password":"correct horse battery"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	ck := cookieNamed(t, w, SessionCookie)
	if !ck.HttpOnly || ck.Path != "/" || ck.Value == "" {
		t.Fatalf("unexpected session cookie %+v", ck)
	}
	if ck.Secure {
		t.Fatal("cookie must not be Secure outside production")
	}

	var body struct {
		User struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		} `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.User.Email != "marta@casavia.test" || body.User.EmailVerified {
		t.Fatalf("unexpected user body %+v", body.User)
	}

	// The cookie authenticates follow-up requests.
	w = doJSON(t, r, http.MethodGet, "/auth/session", "", []*http.Cookie{ck})
	if w.Code != http.StatusOK {
		t.Fatalf("session status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestProductionCookiesAreSecure(t *testing.T) {
	r, _ := newTestRouter(t, Options{Production: true})

	w := doJSON(t, r, http.MethodPost, "/auth/signup",
		`{"email":"marta@casavia.test","username":"marta","password":"correct horse battery"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !cookieNamed(t, w, SessionCookie).Secure {
		t.Fatal("production cookie must be Secure")
	}
}

func TestSessionWithoutCookieIsUnauthorized(t *testing.T) {
	r, _ := newTestRouter(t, Options{})

	w := doJSON(t, r, http.MethodGet, "/auth/session", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "message") {
		t.Fatalf("failure body missing message: %s", w.Body.String())
	}
}

func TestSignInFailureMessage(t *testing.T) {
	r, _ := newTestRouter(t, Options{})

	doJSON(t, r, http.MethodPost, "/auth/signup",
		`{"email":"marta@casavia.test","username":"marta","password":"correct horse battery"}`, nil)

	w := doJSON(t, r, http.MethodPost, "/auth/signin",
		`{"email":"marta@casavia.test","password":"wrong password"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Message != "Incorrect email or password." {
		t.Fatalf("message = %q", body.Message)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	r, _ := newTestRouter(t, Options{GlobalRateLimit: 3})

	var last int
	for i := 0; i < 4; i++ {
		last = doJSON(t, r, http.MethodGet, "/auth/session", "", nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("fourth request status = %d, want 429", last)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	r, mail := newTestRouter(t, Options{})

	doJSON(t, r, http.MethodPost, "/auth/signup",
		`{"email":"marta@casavia.test","username":"marta","password":"correct horse battery"}`, nil)

	w := doJSON(t, r, http.MethodPost, "/auth/forgot-password",
		`{"email":"marta@casavia.test"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("forgot-password status = %d, body %s", w.Code, w.Body.String())
	}
	reset := cookieNamed(t, w, ResetCookie)

	w = doJSON(t, r, http.MethodPost, "/auth/reset-password/verify-email",
		`{"code":"`+mail.last(t)+`"}`, []*http.Cookie{reset})
	if w.Code != http.StatusOK {
		t.Fatalf("verify-email status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/auth/reset-password",
		`{"password":"a brand new password"}`, []*http.Cookie{reset})
	if w.Code != http.StatusOK {
		t.Fatalf("reset-password status = %d, body %s", w.Code, w.Body.String())
	}

	// The reset cookie is cleared and a login session is issued.
	if ck := cookieNamed(t, w, ResetCookie); ck.MaxAge >= 0 || ck.Value != "" {
		t.Fatalf("reset cookie not cleared: %+v", ck)
	}
	sess := cookieNamed(t, w, SessionCookie)

	w = doJSON(t, r, http.MethodGet, "/auth/session", "", []*http.Cookie{sess})
	if w.Code != http.StatusOK {
		t.Fatalf("session after reset status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/auth/signin",
		`{"email":"marta@casavia.test","password":"a brand new password"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("signin with new password status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestForwardedForDrivesPerIPLimit(t *testing.T) {
	r, _ := newTestRouter(t, Options{GlobalRateLimit: 2})

	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
		req.RemoteAddr = "10.0.0.1:40000"
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	hit("203.0.113.5")
	hit("203.0.113.5")
	if code := hit("203.0.113.5"); code != http.StatusTooManyRequests {
		t.Fatalf("third request from same forwarded IP = %d, want 429", code)
	}
	if code := hit("198.51.100.9"); code == http.StatusTooManyRequests {
		t.Fatal("different forwarded IP shares the limit bucket")
	}
}
