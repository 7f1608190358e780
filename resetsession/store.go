// Package resetsession manages the short-lived password-reset session: an
// independently staged state machine (email verified, then second factor
// when the account has one registered) that alone gates password changes.
//
// Reset sessions live in Redis keyed by a one-way hash of the reset token,
// disjoint from primary sessions.
package resetsession

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casavia/authcore/credential"
)

// TTL is the full lifetime of a reset session; there is no renewal.
const TTL = 10 * time.Minute

const recordVersionV1 = 1

const (
	flagEmailVerified     = 1 << 0
	flagTwoFactorVerified = 1 << 1
)

const storeRetries = 8

var (
	// ErrRedisUnavailable wraps Redis transport failures.
	ErrRedisUnavailable = errors.New("resetsession: redis unavailable")
	// ErrCodeMismatch is returned when the submitted email code does not
	// match the session's code.
	ErrCodeMismatch = errors.New("resetsession: code mismatch")
	// ErrSessionGone is returned by mutating calls when the session no
	// longer exists or expired between validation and the mutation.
	ErrSessionGone = errors.New("resetsession: session gone")

	errInvalidRecord = errors.New("resetsession: invalid record")
)

// Session is one in-flight password reset.
type Session struct {
	// ID is the SHA-256 hash of the raw reset token, hex encoded.
	ID                string
	UserID            string
	Email             string
	CodeHash          [32]byte
	ExpiresAt         time.Time
	EmailVerified     bool
	TwoFactorVerified bool
}

// HashCode derives the stored digest of an emailed one-time code.
func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// Store persists reset sessions in Redis with a per-user index.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a reset session [Store]. prefix defaults to "cpr".
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "cpr"
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

// Create opens a fresh reset session for the user with both stages false.
// code is the one-time code emailed to the account address.
func (s *Store) Create(ctx context.Context, token, userID, email, code string) (*Session, error) {
	sess := &Session{
		ID:        credential.HashToken(token),
		UserID:    userID,
		Email:     email,
		CodeHash:  HashCode(code),
		ExpiresAt: s.now().Add(TTL),
	}

	data, err := encode(sess)
	if err != nil {
		return nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.ID), data, TTL)
		pipe.SAdd(ctx, s.userKey(userID), sess.ID)
		pipe.Expire(ctx, s.userKey(userID), TTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return sess, nil
}

// Validate hashes token and looks the reset session up. Missing rows return
// (nil, nil); a row found past its recorded expiry is deleted first and then
// reported exactly like a missing one, so callers cannot distinguish the
// two.
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

	if !s.now().Before(sess.ExpiresAt) {
		if err := s.delete(ctx, sess.UserID, id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return sess, nil
}

// ConfirmEmailCode compares code against the session's stored digest in
// constant time and, on match, flips the emailVerified stage under an
// optimistic transaction. A mismatch returns [ErrCodeMismatch] without
// mutating the session.
func (s *Store) ConfirmEmailCode(ctx context.Context, id, code string) error {
	provided := HashCode(code)

	return s.update(ctx, id, func(sess *Session) error {
		if subtle.ConstantTimeCompare(sess.CodeHash[:], provided[:]) != 1 {
			return ErrCodeMismatch
		}
		sess.EmailVerified = true
		return nil
	})
}

// SetTwoFactorVerified marks the second-factor stage complete.
func (s *Store) SetTwoFactorVerified(ctx context.Context, id string) error {
	return s.update(ctx, id, func(sess *Session) error {
		sess.TwoFactorVerified = true
		return nil
	})
}

// Invalidate hard-deletes one reset session.
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
	return s.delete(ctx, sess.UserID, id)
}

// InvalidateUser deletes every in-flight reset session for a user. Called
// when a reset is consumed and when the account email is re-verified, so no
// stale reset session can point at an old address.
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

// update applies fn to the decoded session under a WATCH compare-and-swap,
// preserving the key's remaining TTL.
func (s *Store) update(ctx context.Context, id string, fn func(*Session) error) error {
	key := s.key(id)

	for i := 0; i < storeRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			sess, err := decode(data)
			if err != nil {
				return err
			}
			sess.ID = id

			if fnErr := fn(sess); fnErr != nil {
				return fnErr
			}

			ttl := sess.ExpiresAt.Sub(s.now())
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return redis.Nil
			}

			updated, err := encode(sess)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return ErrSessionGone
			case errors.Is(err, ErrCodeMismatch), errors.Is(err, errInvalidRecord):
				return err
			default:
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}
		return nil
	}

	return fmt.Errorf("%w: %v", ErrRedisUnavailable, redis.TxFailedErr)
}

func (s *Store) delete(ctx context.Context, userID, id string) error {
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

func encode(s *Session) ([]byte, error) {
	if len(s.UserID) > 255 || len(s.Email) > 255 {
		return nil, errors.New("resetsession: field too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(recordVersionV1)

	var flags byte
	if s.EmailVerified {
		flags |= flagEmailVerified
	}
	if s.TwoFactorVerified {
		flags |= flagTwoFactorVerified
	}
	buf.WriteByte(flags)

	buf.WriteByte(byte(len(s.UserID)))
	buf.WriteString(s.UserID)
	buf.WriteByte(byte(len(s.Email)))
	buf.WriteString(s.Email)
	buf.Write(s.CodeHash[:])

	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt.Unix()); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil || version != recordVersionV1 {
		return nil, errInvalidRecord
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, errInvalidRecord
	}

	sess := &Session{
		EmailVerified:     flags&flagEmailVerified != 0,
		TwoFactorVerified: flags&flagTwoFactorVerified != 0,
	}

	userIDLen, err := reader.ReadByte()
	if err != nil {
		return nil, errInvalidRecord
	}
	userID := make([]byte, userIDLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, errInvalidRecord
	}
	sess.UserID = string(userID)

	emailLen, err := reader.ReadByte()
	if err != nil {
		return nil, errInvalidRecord
	}
	email := make([]byte, emailLen)
	if _, err := io.ReadFull(reader, email); err != nil {
		return nil, errInvalidRecord
	}
	sess.Email = string(email)

	if _, err := io.ReadFull(reader, sess.CodeHash[:]); err != nil {
		return nil, errInvalidRecord
	}

	var expiresAt int64
	if err := binary.Read(reader, binary.BigEndian, &expiresAt); err != nil {
		return nil, errInvalidRecord
	}
	sess.ExpiresAt = time.Unix(expiresAt, 0)

	return sess, nil
}
