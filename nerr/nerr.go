// Package nerr defines the typed error taxonomy shared by every component
// of the NIP-46 core: validation, codec, transport, protocol and
// storage failures. Callers use errors.Is/errors.As against the exported
// sentinels rather than matching message strings, except where the
// protocol itself is defined in terms of a substring (the already-connected
// tolerance, the relay-not-connected condition).
package nerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the five taxonomy buckets.
type Kind string

const (
	KindValidation Kind = "validation"
	KindCodec      Kind = "codec"
	KindTransport  Kind = "transport"
	KindProtocol   Kind = "protocol"
	KindStorage    Kind = "storage"
)

// Codec sub-discriminants, named after the wire-level NIP-46 identifiers.
const (
	CodecEncode            = "NIP46_ENCODE_ERROR"
	CodecDecode            = "NIP46_DECODE_ERROR"
	CodecUnexpectedPayload = "NIP46_UNEXPECTED_PAYLOAD"
)

// Sentinels for errors.Is matching. Components wrap these with Op/context
// rather than constructing ad-hoc strings.
var (
	ErrNoRelays               = errors.New("no relays configured")
	ErrRelayNotConnected      = errors.New("relay-not-connected")
	ErrSignerUnknown          = errors.New("remote signer pubkey is not yet known")
	ErrTimeout                = errors.New("request timed out")
	ErrSecretValidationFailed = errors.New("secret validation failed")
	ErrUnsupportedMethod      = errors.New("unsupported_method")
	ErrStorageQuota           = errors.New("storage quota exhausted")
	ErrSessionNotFound        = errors.New("session not found")
)

// Error is the common typed-error envelope. Op names the operation that
// failed (e.g. "envelope.Encrypt", "queue.Enqueue"); Sub carries the codec
// sub-discriminant when Kind == KindCodec.
type Error struct {
	Kind Kind
	Op   string
	Sub  string
	Err  error
}

func (e *Error) Error() string {
	if e.Sub != "" {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Sub, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NewCodec(op, sub string, err error) *Error {
	return &Error{Kind: KindCodec, Op: op, Sub: sub, Err: err}
}

// Is reports whether err belongs to the given taxonomy Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// CodecSub extracts the codec sub-discriminant, if any.
func CodecSub(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Sub
	}
	return ""
}
