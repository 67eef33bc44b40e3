// Package protocol builds and validates the request/response payloads
// carried inside the encryption envelope, and serializes them to/from
// JSON through package envelope.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bloomsignal/nip46/envelope"
	"github.com/bloomsignal/nip46/nerr"
)

// Method is the closed set of RPC methods a remote signer understands.
type Method string

const (
	MethodConnect       Method = "connect"
	MethodSignEvent     Method = "sign_event"
	MethodPing          Method = "ping"
	MethodGetPublicKey  Method = "get_public_key"
	MethodNip04Encrypt  Method = "nip04_encrypt"
	MethodNip04Decrypt  Method = "nip04_decrypt"
	MethodNip44Encrypt  Method = "nip44_encrypt"
	MethodNip44Decrypt  Method = "nip44_decrypt"
)

var validMethods = map[Method]bool{
	MethodConnect:      true,
	MethodSignEvent:    true,
	MethodPing:         true,
	MethodGetPublicKey: true,
	MethodNip04Encrypt: true,
	MethodNip04Decrypt: true,
	MethodNip44Encrypt: true,
	MethodNip44Decrypt: true,
}

// RequestPayload is the plaintext shape of a NIP-46 request.
type RequestPayload struct {
	ID     string   `json:"id"`
	Method Method   `json:"method"`
	Params []string `json:"params"`
}

// ResponsePayload is the plaintext shape of a NIP-46 response.
// The auth-challenge variant sets Result to "auth_url" and Error to the
// challenge URL.
type ResponsePayload struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

const authURLResult = "auth_url"

// IsAuthChallenge reports whether r is the auth-challenge response shape.
func (r ResponsePayload) IsAuthChallenge() bool {
	return r.Result == authURLResult && r.Error != ""
}

// NewRequestID generates a request ID: a random UUID when available,
// falling back to "<millis>-<randomHex>".
func NewRequestID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d-fallback", time.Now().UnixMilli())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}

// BuildRequest constructs a RequestPayload, generating an ID via
// NewRequestID unless id is non-empty.
func BuildRequest(id string, method Method, params []string) (RequestPayload, error) {
	if !validMethods[method] {
		return RequestPayload{}, nerr.New(nerr.KindValidation, "protocol.BuildRequest", fmt.Errorf("unknown method %q", method))
	}
	if id == "" {
		id = NewRequestID()
	}
	if params == nil {
		params = []string{}
	}
	return RequestPayload{ID: id, Method: method, Params: params}, nil
}

// validateRequest enforces a request's required fields.
func validateRequest(r RequestPayload) error {
	if r.ID == "" {
		return fmt.Errorf("request id must be non-empty")
	}
	if !validMethods[r.Method] {
		return fmt.Errorf("unknown method %q", r.Method)
	}
	if r.Params == nil {
		return fmt.Errorf("params must be an array")
	}
	return nil
}

// validateResponse enforces a response's required fields.
func validateResponse(r ResponsePayload) error {
	if r.ID == "" {
		return fmt.Errorf("response id must be non-empty")
	}
	return nil
}

// EncodeRequest serializes then encrypts a request payload.
func EncodeRequest(r RequestPayload, ctx envelope.Context) (string, error) {
	if err := validateRequest(r); err != nil {
		return "", nerr.NewCodec("protocol.EncodeRequest", nerr.CodecUnexpectedPayload, err)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return "", nerr.NewCodec("protocol.EncodeRequest", nerr.CodecEncode, err)
	}
	return envelope.Encrypt(string(body), ctx)
}

// DecodeRequest decrypts then parses+validates a request payload.
func DecodeRequest(ciphertext string, ctx envelope.Context) (RequestPayload, error) {
	plaintext, err := envelope.Decrypt(ciphertext, ctx)
	if err != nil {
		return RequestPayload{}, err
	}
	var r RequestPayload
	if err := json.Unmarshal([]byte(plaintext), &r); err != nil {
		return RequestPayload{}, nerr.NewCodec("protocol.DecodeRequest", nerr.CodecUnexpectedPayload, err)
	}
	if err := validateRequest(r); err != nil {
		return RequestPayload{}, nerr.NewCodec("protocol.DecodeRequest", nerr.CodecUnexpectedPayload, err)
	}
	return r, nil
}

// EncodeResponse serializes then encrypts a response payload.
func EncodeResponse(r ResponsePayload, ctx envelope.Context) (string, error) {
	if err := validateResponse(r); err != nil {
		return "", nerr.NewCodec("protocol.EncodeResponse", nerr.CodecUnexpectedPayload, err)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return "", nerr.NewCodec("protocol.EncodeResponse", nerr.CodecEncode, err)
	}
	return envelope.Encrypt(string(body), ctx)
}

// DecodeResponse decrypts then parses+validates a response payload.
func DecodeResponse(ciphertext string, ctx envelope.Context) (ResponsePayload, error) {
	plaintext, err := envelope.Decrypt(ciphertext, ctx)
	if err != nil {
		return ResponsePayload{}, err
	}
	var r ResponsePayload
	if err := json.Unmarshal([]byte(plaintext), &r); err != nil {
		return ResponsePayload{}, nerr.NewCodec("protocol.DecodeResponse", nerr.CodecUnexpectedPayload, err)
	}
	if err := validateResponse(r); err != nil {
		return ResponsePayload{}, nerr.NewCodec("protocol.DecodeResponse", nerr.CodecUnexpectedPayload, err)
	}
	return r, nil
}
