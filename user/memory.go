package user

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests. All operations take a
// single store-wide lock, so the rotate CAS is linearizable like the
// Postgres row lock.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]*User
	requests map[string]*EmailVerificationRequest // keyed by user id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*User),
		requests: make(map[string]*EmailVerificationRequest),
	}
}

func cloneUser(u *User) *User {
	c := *u
	c.TOTPKey = append([]byte(nil), u.TOTPKey...)
	c.RecoveryCode = append([]byte(nil), u.RecoveryCode...)
	return &c
}

func (s *MemoryStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetByGoogleID(_ context.Context, googleID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.GoogleID != "" && u.GoogleID == googleID {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (s *MemoryStore) SetEmailVerified(_ context.Context, id, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Email = email
	u.EmailVerified = true
	return nil
}

func (s *MemoryStore) SetTOTPKey(_ context.Context, id string, encryptedKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.TOTPKey = append([]byte(nil), encryptedKey...)
	return nil
}

func (s *MemoryStore) SetRecoveryCode(_ context.Context, id string, encrypted []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.RecoveryCode = append([]byte(nil), encrypted...)
	return nil
}

func (s *MemoryStore) RotateRecoveryCodeAndClearTOTP(_ context.Context, id string, matches func(encrypted []byte) bool, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, ErrNotFound
	}
	if !matches(u.RecoveryCode) {
		return false, nil
	}
	u.RecoveryCode = append([]byte(nil), next...)
	u.TOTPKey = nil
	return true, nil
}

func (s *MemoryStore) CreateEmailVerificationRequest(_ context.Context, req *EmailVerificationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *req
	s.requests[req.UserID] = &c
	return nil
}

func (s *MemoryStore) GetEmailVerificationRequest(_ context.Context, userID string) (*EmailVerificationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *req
	return &c, nil
}

func (s *MemoryStore) DeleteEmailVerificationRequest(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, userID)
	return nil
}
