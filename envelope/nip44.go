package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// algo-44: NIP-44 version 2 — ChaCha20 + HMAC-SHA256, padded plaintext.
const (
	algo44Version  = 2
	algo44MinPlain = 1
	algo44MaxPlain = 65535
)

func messageKeys44(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, fmt.Errorf("invalid conversation key length")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, fmt.Errorf("invalid nonce length")
	}
	reader := hkdf.Expand(sha256.New, conversationKey, nonce)
	buf := make([]byte, 76)
	if _, err := reader.Read(buf); err != nil {
		return nil, nil, nil, err
	}
	return buf[0:32], buf[32:44], buf[44:76], nil
}

func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}
	nextPower := 1 << int(math.Floor(math.Log2(float64(unpaddedLen-1)))+1)
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * (int(math.Floor(float64(unpaddedLen-1)/float64(chunk))) + 1)
}

func pad44(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < algo44MinPlain || n > algo44MaxPlain {
		return nil, fmt.Errorf("invalid plaintext length %d", n)
	}
	result := make([]byte, 2+calcPaddedLen(n))
	binary.BigEndian.PutUint16(result[0:2], uint16(n))
	copy(result[2:], plaintext)
	return result, nil
}

func unpad44(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, fmt.Errorf("padded data too short")
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n == 0 || n > len(padded)-2 {
		return nil, fmt.Errorf("invalid padding length")
	}
	if len(padded) != 2+calcPaddedLen(n) {
		return nil, fmt.Errorf("invalid padded length")
	}
	return padded[2 : 2+n], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

func encrypt44(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return encrypt44WithNonce(plaintext, conversationKey, nonce)
}

func encrypt44WithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys44(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad44([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	out := make([]byte, 1+32+len(ciphertext)+32)
	out[0] = algo44Version
	copy(out[1:33], nonce)
	copy(out[33:33+len(ciphertext)], ciphertext)
	copy(out[33+len(ciphertext):], mac)

	return base64.StdEncoding.EncodeToString(out), nil
}

func decrypt44(payload string, conversationKey []byte) (string, error) {
	if len(payload) > 0 && payload[0] == '#' {
		return "", fmt.Errorf("unsupported encryption version indicator")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	if len(data) < 99 || len(data) > 65603 {
		return "", fmt.Errorf("invalid payload size %d", len(data))
	}

	version := data[0]
	if version != algo44Version {
		return "", fmt.Errorf("unknown version %d", version)
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys44(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	if !hmac.Equal(hmacAAD(hmacKey, ciphertext, nonce), mac) {
		return "", fmt.Errorf("invalid MAC")
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad44(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
