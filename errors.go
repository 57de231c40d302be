package corelog

import "errors"

// ErrStorage indicates an I/O failure reported by the backing Storage.
// The core never retries; retry policy belongs to the caller.
var ErrStorage = errors.New("storage failure")

// ErrOutOfRange indicates an index or length beyond the log bounds.
var ErrOutOfRange = errors.New("index out of range")

// ErrVerification indicates a proof or signature mismatch.
// Data failing verification is never written to storage.
var ErrVerification = errors.New("verification failed")

// ErrProtocolViolation indicates a malformed frame, an unknown message type,
// or a message that is not valid in the current channel state.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrHandshake indicates the secure channel handshake failed.
// Fatal to the session; no partial trust is established.
var ErrHandshake = errors.New("handshake failed")

// ErrNoSecretKey is returned when Append is called on a Core opened
// with only a public key.
var ErrNoSecretKey = errors.New("no secret key")

// ErrSessionClosed is returned when operating on a torn-down Session.
var ErrSessionClosed = errors.New("session closed")
