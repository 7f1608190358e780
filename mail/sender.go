// Package mail delivers the transactional emails of the authentication
// flows: verification codes and password reset codes.
package mail

import (
	"context"

	"go.uber.org/zap"
)

// Sender delivers authentication emails. Codes are short-lived and single
// use, so implementations should send synchronously and report failures.
type Sender interface {
	SendVerificationEmail(ctx context.Context, toEmail, username, code string) error
	SendPasswordResetEmail(ctx context.Context, toEmail, code string) error
}

// LogSender writes outgoing mail to the log instead of delivering it.
// Used in development and tests.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) SendVerificationEmail(_ context.Context, toEmail, username, code string) error {
	s.log.Info("verification email (not delivered)",
		zap.String("to", toEmail),
		zap.String("username", username),
		zap.String("code", code))
	return nil
}

func (s *LogSender) SendPasswordResetEmail(_ context.Context, toEmail, code string) error {
	s.log.Info("password reset email (not delivered)",
		zap.String("to", toEmail),
		zap.String("code", code))
	return nil
}
