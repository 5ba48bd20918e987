package net

import (
	"github.com/pkg/errors"
)

// Error classes. Callers classify with errors.Is.
var (
	// ErrFraming is a malformed or short length header or body.
	ErrFraming = errors.New("framing error")
	// ErrCrypto is a missing key, wrong block size or failed decrypt.
	ErrCrypto = errors.New("crypto error")
	// ErrProtocolViolation is an empty credential field, unsupported version and similar.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrPersistence is returned when the account collaborator fails.
	ErrPersistence = errors.New("persistence error")
	// ErrChannelClosed is returned when sending to a connection which is gone.
	ErrChannelClosed = errors.New("channel closed")
)

var (
	ErrKeyNotLoaded = errors.Wrap(ErrCrypto, "rsa key not loaded")
	ErrBlockSize    = errors.Wrap(ErrCrypto, "wrong block size")
)

// classified ties an underlying error to one of the error classes above.
type classified struct {
	class error
	cause error
}

func (e *classified) Error() string { return e.class.Error() + ": " + e.cause.Error() }

// Unwrap exposes both the class and the cause to errors.Is and errors.As.
func (e *classified) Unwrap() []error { return []error{e.class, e.cause} }

// Classify returns err marked as belonging to class. errors.Is matches
// both class and anything err wraps. A nil err stays nil.
func Classify(class, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, cause: err}
}
