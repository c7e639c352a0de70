package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrSigningInputInvalid marks a programmer error in how a string to sign or
// an account key was put together. It is never caused by user input.
var ErrSigningInputInvalid = errors.New("signing input invalid")

// DecodeAccountKey decodes the base64 account key issued by the storage
// service. Callers decode once at construction so signing itself cannot fail.
func DecodeAccountKey(accountKey string) ([]byte, error) {
	if accountKey == "" {
		return nil, fmt.Errorf("%w: empty account key", ErrSigningInputInvalid)
	}
	key, err := base64.StdEncoding.DecodeString(accountKey)
	if err != nil {
		return nil, fmt.Errorf("%w: account key is not base64: %v", ErrSigningInputInvalid, err)
	}
	return key, nil
}

// SignWithKey computes Base64(HMAC-SHA256(key, UTF8(stringToSign))).
func SignWithKey(key []byte, stringToSign string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Sign computes Base64(HMAC-SHA256(Base64Decode(accountKey), UTF8(stringToSign))).
func Sign(stringToSign, accountKey string) (string, error) {
	key, err := DecodeAccountKey(accountKey)
	if err != nil {
		return "", err
	}
	return SignWithKey(key, stringToSign), nil
}

// SecureCompare performs constant-time string comparison to prevent timing attacks.
// This MUST be used when comparing signatures and shared secrets.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
