// Package envelope is the encryption codec that wraps plaintext
// request/response payloads for transit over relays. Two interchangeable
// algorithms are supported: algo-44 (NIP-44 v2, ChaCha20+HMAC with an
// HKDF-derived conversation key) and algo-04 (the legacy NIP-04
// ECDH+AES-CBC construction), selected per-session via Context.Algorithm,
// following nip44.go.
package envelope

import (
	"errors"
	"fmt"

	"github.com/bloomsignal/nip46/nerr"
)

// Algorithm names one of the two interchangeable encryption schemes.
type Algorithm string

const (
	Algo44 Algorithm = "algo-44"
	Algo04 Algorithm = "algo-04"
)

// Context carries everything an Encrypt/Decrypt call needs: the local
// scalar, the counterparty's public key (any of the accepted hex forms —
// normalization happens internally) and which algorithm to apply.
type Context struct {
	LocalPrivateKey []byte
	RemotePublicKey string
	Algorithm       Algorithm
}

// Codec is the capability record both the concrete per-algorithm
// implementations and Combine satisfy.
type Codec interface {
	Encrypt(plaintext string, ctx Context) (string, error)
	Decrypt(ciphertext string, ctx Context) (string, error)
}

// Default dispatches to the algorithm named by ctx.Algorithm on every call —
// this is what the payload codec (package protocol) and the dispatcher use.
var Default Codec = dispatchCodec{}

type dispatchCodec struct{}

func (dispatchCodec) Encrypt(plaintext string, ctx Context) (string, error) {
	return Encrypt(plaintext, ctx)
}

func (dispatchCodec) Decrypt(ciphertext string, ctx Context) (string, error) {
	return Decrypt(ciphertext, ctx)
}

// Encrypt encrypts plaintext under ctx.Algorithm, wrapping any internal
// failure as a *nerr.Error with Kind=Codec, Sub=NIP46_ENCODE_ERROR.
func Encrypt(plaintext string, ctx Context) (string, error) {
	remote, err := normalizeRemoteKey(ctx.RemotePublicKey)
	if err != nil {
		return "", nerr.NewCodec("envelope.Encrypt", nerr.CodecEncode, err)
	}

	switch ctx.Algorithm {
	case Algo44:
		convKey, err := conversationKey44(ctx.LocalPrivateKey, remote)
		if err != nil {
			return "", nerr.NewCodec("envelope.Encrypt", nerr.CodecEncode, err)
		}
		out, err := encrypt44(plaintext, convKey)
		if err != nil {
			return "", nerr.NewCodec("envelope.Encrypt", nerr.CodecEncode, err)
		}
		return out, nil
	case Algo04:
		shared, err := sharedSecret04(ctx.LocalPrivateKey, remote)
		if err != nil {
			return "", nerr.NewCodec("envelope.Encrypt", nerr.CodecEncode, err)
		}
		out, err := encrypt04(plaintext, shared)
		if err != nil {
			return "", nerr.NewCodec("envelope.Encrypt", nerr.CodecEncode, err)
		}
		return out, nil
	default:
		return "", nerr.NewCodec("envelope.Encrypt", nerr.CodecEncode, fmt.Errorf("unknown algorithm %q", ctx.Algorithm))
	}
}

// Decrypt decrypts ciphertext under ctx.Algorithm, wrapping any internal
// failure as a *nerr.Error with Kind=Codec, Sub=NIP46_DECODE_ERROR.
func Decrypt(ciphertext string, ctx Context) (string, error) {
	remote, err := normalizeRemoteKey(ctx.RemotePublicKey)
	if err != nil {
		return "", nerr.NewCodec("envelope.Decrypt", nerr.CodecDecode, err)
	}

	switch ctx.Algorithm {
	case Algo44:
		convKey, err := conversationKey44(ctx.LocalPrivateKey, remote)
		if err != nil {
			return "", nerr.NewCodec("envelope.Decrypt", nerr.CodecDecode, err)
		}
		out, err := decrypt44(ciphertext, convKey)
		if err != nil {
			return "", nerr.NewCodec("envelope.Decrypt", nerr.CodecDecode, err)
		}
		return out, nil
	case Algo04:
		shared, err := sharedSecret04(ctx.LocalPrivateKey, remote)
		if err != nil {
			return "", nerr.NewCodec("envelope.Decrypt", nerr.CodecDecode, err)
		}
		out, err := decrypt04(ciphertext, shared)
		if err != nil {
			return "", nerr.NewCodec("envelope.Decrypt", nerr.CodecDecode, err)
		}
		return out, nil
	default:
		return "", nerr.NewCodec("envelope.Decrypt", nerr.CodecDecode, fmt.Errorf("unknown algorithm %q", ctx.Algorithm))
	}
}

// combinedCodec tries primary first and only falls back to secondary on a
// non-codec error — a codec error (malformed ciphertext, bad key, failed
// MAC) propagates immediately. This is deliberately the inverse of a naive
// "retry with the other algorithm on decode failure" policy. It exists as
// a capability but the dispatcher (package queue) does not invoke it at
// runtime; it is exposed for callers that want an explicit escape hatch.
type combinedCodec struct {
	primary   Codec
	secondary Codec
}

// Combine builds a Codec that prefers primary and only reaches for
// secondary when primary fails with something other than a codec error.
func Combine(primary, secondary Codec) Codec {
	return combinedCodec{primary: primary, secondary: secondary}
}

func (c combinedCodec) Encrypt(plaintext string, ctx Context) (string, error) {
	out, err := c.primary.Encrypt(plaintext, ctx)
	if err == nil {
		return out, nil
	}
	if isCodecError(err) {
		return "", err
	}
	return c.secondary.Encrypt(plaintext, ctx)
}

func (c combinedCodec) Decrypt(ciphertext string, ctx Context) (string, error) {
	out, err := c.primary.Decrypt(ciphertext, ctx)
	if err == nil {
		return out, nil
	}
	if isCodecError(err) {
		return "", err
	}
	return c.secondary.Decrypt(ciphertext, ctx)
}

func isCodecError(err error) bool {
	var e *nerr.Error
	return errors.As(err, &e) && e.Kind == nerr.KindCodec
}
