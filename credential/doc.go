// Package credential holds the codec layer for secrets: argon2id password
// hashing, password strength screening against the breached-password corpus,
// authenticated encryption of stored second-factor material, and CSPRNG
// generation of tokens, one-time codes, and recovery codes.
package credential
