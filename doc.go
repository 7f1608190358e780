// Package authcore implements the authentication engine of the Casavia
// marketplace: account sign-up and sign-in, cookie-backed sessions with a
// sliding lifetime, email verification, TOTP second factors with recovery
// codes, staged password reset, and per-actor rate limiting.
//
// The engine keeps sessions and limiter state in Redis and accounts in
// Postgres. Transport adapters live in package httpapi; this package is
// transport-agnostic and speaks plain Go values.
package authcore
