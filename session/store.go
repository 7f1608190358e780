package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casavia/authcore/credential"
)

// ErrRedisUnavailable wraps Redis transport failures.
var ErrRedisUnavailable = errors.New("session: redis unavailable")

// Store persists sessions in Redis under a one-way token hash and keeps a
// per-user index set for bulk invalidation.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a session [Store]. prefix namespaces all keys and
// defaults to "cs".
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "cs"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *Store) key(id string) string {
	return s.prefix + ":" + id
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

// Create derives the session ID from token, persists the session with the
// full [Lifetime], and indexes it under its user. The raw token is returned
// only to the caller that supplied it; storage sees the hash.
func (s *Store) Create(ctx context.Context, token, userID string, twoFactorVerified bool) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:                credential.HashToken(token),
		UserID:            userID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(Lifetime),
		TwoFactorVerified: twoFactorVerified,
	}

	data, err := encode(sess)
	if err != nil {
		return nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.ID), data, Lifetime)
		pipe.SAdd(ctx, s.userKey(userID), sess.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return sess, nil
}

// Validate hashes token and looks the session up. An unknown token returns
// (nil, nil): to the caller an expired or missing session is
// indistinguishable from never having authenticated. A session found past
// its expiry is deleted on the spot (lazy expiry, no background sweep), and
// one validated within [RenewalWindow] of expiry slides to now+[Lifetime].
func (s *Store) Validate(ctx context.Context, token string) (*Session, error) {
	id := credential.HashToken(token)

	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := decode(data)
	if err != nil {
		return nil, err
	}
	sess.ID = id

	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		if err := s.deleteWithIndex(ctx, sess.UserID, id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if sess.ExpiresAt.Sub(now) <= RenewalWindow {
		sess.ExpiresAt = now.Add(Lifetime)
		renewed, err := encode(sess)
		if err != nil {
			return nil, err
		}
		// Two concurrent renewals write equivalent values; no lock needed.
		if err := s.redis.Set(ctx, s.key(id), renewed, Lifetime).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		sess.Renewed = true
	}

	return sess, nil
}

// SetTwoFactorVerified flips the session's second-factor flag in place
// without touching its expiry.
func (s *Store) SetTwoFactorVerified(ctx context.Context, id string) error {
	key := s.key(id)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := decode(data)
	if err != nil {
		return err
	}
	if sess.TwoFactorVerified {
		return nil
	}
	sess.TwoFactorVerified = true

	updated, err := encode(sess)
	if err != nil {
		return err
	}

	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, key, updated, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Invalidate hard-deletes one session.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := decode(data)
	if err != nil {
		return err
	}
	return s.deleteWithIndex(ctx, sess.UserID, id)
}

// InvalidateUser hard-deletes every session for a user, kicking every
// authenticated device.
func (s *Store) InvalidateUser(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)

	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.key(id))
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *Store) deleteWithIndex(ctx context.Context, userID, id string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.SRem(ctx, s.userKey(userID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
