// Package apperr defines the server-side HTTP error taxonomy: a small
// set of kinds, each with a fixed HTTP status and retriability, and a
// single JSON envelope every handler writes through.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"

	"openconv/go-core/internal/crypto/cryptoerr"
)

// Kind discriminates the class of a server-facing failure.
type Kind int

const (
	KindNotFound Kind = iota
	KindUnauthorized
	KindForbidden
	KindValidation
	KindRateLimited
	KindSessionCompromised
	KindServiceUnavailable
	KindInternal
	KindCrypto
)

// Status returns the HTTP status code for k.
func (k Kind) Status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindSessionCompromised:
		return http.StatusConflict
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindCrypto:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether a caller may usefully retry.
func (k Kind) Retriable() bool {
	switch k {
	case KindRateLimited, KindServiceUnavailable, KindInternal:
		return true
	default:
		return false
	}
}

// Error is the typed error every handler-facing call returns.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "request failed"
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NotFound, Unauthorized, Forbidden, Validation and RateLimited are
// convenience constructors for the most commonly returned kinds.
func NotFound(msg string) *Error        { return New(KindNotFound, msg) }
func Unauthorized(msg string) *Error    { return New(KindUnauthorized, msg) }
func Forbidden(msg string) *Error       { return New(KindForbidden, msg) }
func Validation(msg string) *Error      { return New(KindValidation, msg) }
func RateLimited(msg string) *Error     { return New(KindRateLimited, msg) }
func Internal(msg string, err error) *Error {
	return Wrap(KindInternal, msg, err)
}

// FromCryptoError maps a cryptoerr.Error onto the HTTP taxonomy:
// wrapped crypto failures are non-retriable 500s, except for the kinds
// that require user interaction rather than a blind retry.
func FromCryptoError(err error) *Error {
	var ce *cryptoerr.Error
	if !errors.As(err, &ce) {
		return Wrap(KindInternal, "internal error", err)
	}
	switch ce.Kind {
	case cryptoerr.KindSessionMismatch:
		return Wrap(KindSessionCompromised, "peer identity changed, reverification required", err)
	case cryptoerr.KindKeychainUnavailable, cryptoerr.KindPassphraseRequired:
		return Wrap(KindUnauthorized, "local key store is locked", err)
	case cryptoerr.KindPreKeyExhausted:
		return Wrap(KindServiceUnavailable, "pre-key pool exhausted, retry after refill", err)
	default:
		return Wrap(KindCrypto, "crypto operation failed", err)
	}
}

// envelope is the wire shape of every error response.
type envelope struct {
	Error string `json:"error"`
}

// WriteJSON writes err as the single canonical JSON error envelope with
// the status code its Kind maps to. Any error that isn't already an
// *Error is treated as an opaque internal failure so a stray error
// from a deeper layer never leaks an implementation detail to the
// client.
func WriteJSON(w http.ResponseWriter, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = Wrap(KindInternal, "internal error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Kind.Status())
	_ = json.NewEncoder(w).Encode(envelope{Error: ae.Error()})
}
