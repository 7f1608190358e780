package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/casavia/authcore/credential"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	return NewStore(rdb, "cs"), mr
}

func TestCreateAndValidate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	token, err := credential.GenerateToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	created, err := store.Create(ctx, token, "user-1", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == token {
		t.Fatalf("session id is the raw token")
	}
	if created.TwoFactorVerified {
		t.Fatalf("fresh session marked 2fa verified")
	}

	sess, err := store.Validate(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sess == nil || sess.UserID != "user-1" || sess.ID != created.ID {
		t.Fatalf("validate returned %+v", sess)
	}
}

func TestValidateUnknownTokenReturnsNullPair(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	sess, err := store.Validate(ctx, "never-issued")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sess != nil {
		t.Fatalf("unknown token returned a session")
	}
}

func TestValidateLazyExpiryDeletesRow(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	base := time.Now()
	store.now = func() time.Time { return base }

	token, _ := credential.GenerateToken()
	created, err := store.Create(ctx, token, "user-2", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Past expiry per the stored record, row still present in Redis.
	store.now = func() time.Time { return base.Add(Lifetime + time.Minute) }

	sess, err := store.Validate(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sess != nil {
		t.Fatalf("expired session validated")
	}

	if mr.Exists("cs:" + created.ID) {
		t.Fatalf("expired row not deleted")
	}

	if sess, _ := store.Validate(ctx, token); sess != nil {
		t.Fatalf("second lookup found deleted session")
	}
}

func TestValidateSlidingWindow(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	base := time.Now().Truncate(time.Second)
	store.now = func() time.Time { return base }

	token, _ := credential.GenerateToken()
	if _, err := store.Create(ctx, token, "user-3", false); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Further than RenewalWindow from expiry: untouched.
	at := base.Add(Lifetime - RenewalWindow - time.Hour)
	store.now = func() time.Time { return at }
	sess, err := store.Validate(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !sess.ExpiresAt.Equal(base.Add(Lifetime)) {
		t.Fatalf("expiry moved outside renewal window: %v", sess.ExpiresAt)
	}
	if sess.Renewed {
		t.Fatalf("validation outside renewal window reported a renewal")
	}

	// Within RenewalWindow: slides to now+Lifetime.
	at = base.Add(Lifetime - RenewalWindow + time.Hour)
	store.now = func() time.Time { return at }
	sess, err = store.Validate(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !sess.ExpiresAt.Equal(at.Add(Lifetime)) {
		t.Fatalf("expiry not renewed: %v", sess.ExpiresAt)
	}
	if !sess.Renewed {
		t.Fatalf("renewal not reported")
	}

	// The renewal persisted.
	sess, _ = store.Validate(ctx, token)
	if !sess.ExpiresAt.Equal(at.Add(Lifetime)) {
		t.Fatalf("renewed expiry not persisted: %v", sess.ExpiresAt)
	}
}

func TestSetTwoFactorVerifiedKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	token, _ := credential.GenerateToken()
	created, _ := store.Create(ctx, token, "user-4", false)

	if err := store.SetTwoFactorVerified(ctx, created.ID); err != nil {
		t.Fatalf("set 2fa: %v", err)
	}

	sess, err := store.Validate(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !sess.TwoFactorVerified {
		t.Fatalf("flag not set")
	}
	if !sess.ExpiresAt.Equal(created.ExpiresAt) {
		t.Fatalf("expiry changed by flag flip: %v != %v", sess.ExpiresAt, created.ExpiresAt)
	}
}

func TestInvalidateUserRemovesAllSessions(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	tokens := make([]string, 3)
	for i := range tokens {
		tokens[i], _ = credential.GenerateToken()
		if _, err := store.Create(ctx, tokens[i], "user-5", i == 0); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	other, _ := credential.GenerateToken()
	if _, err := store.Create(ctx, other, "user-6", false); err != nil {
		t.Fatalf("create other: %v", err)
	}

	if err := store.InvalidateUser(ctx, "user-5"); err != nil {
		t.Fatalf("invalidate user: %v", err)
	}

	for i, token := range tokens {
		if sess, _ := store.Validate(ctx, token); sess != nil {
			t.Fatalf("session %d survived InvalidateUser", i)
		}
	}
	if sess, _ := store.Validate(ctx, other); sess == nil {
		t.Fatalf("unrelated user's session was invalidated")
	}
}

func TestInvalidateSingleSession(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	token, _ := credential.GenerateToken()
	created, _ := store.Create(ctx, token, "user-7", false)

	if err := store.Invalidate(ctx, created.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if sess, _ := store.Validate(ctx, token); sess != nil {
		t.Fatalf("invalidated session validated")
	}

	// Idempotent.
	if err := store.Invalidate(ctx, created.ID); err != nil {
		t.Fatalf("second invalidate: %v", err)
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	if _, err := decode([]byte{}); err == nil {
		t.Fatalf("empty blob decoded")
	}
	if _, err := decode([]byte{99, 0, 0}); err == nil {
		t.Fatalf("wrong version decoded")
	}
}
