// Package identity derives pseudonymous user tokens from client tokens.
//
// Raw client identity never appears in escrow records, dispute records, or
// logs. Every party reference is an HMAC-SHA256 of the caller's client
// token under a server-side key, so records can be correlated per user
// without being linkable back to an identity by anyone without the key.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

var ErrEmptyKey = errors.New("identity: HMAC key must not be empty")

// Tokenizer derives user tokens from client tokens.
type Tokenizer struct {
	key []byte
}

// NewTokenizer creates a Tokenizer with the given HMAC key.
func NewTokenizer(key string) (*Tokenizer, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	return &Tokenizer{key: []byte(key)}, nil
}

// UserToken returns the hex-encoded HMAC-SHA256 of clientToken.
func (t *Tokenizer) UserToken(clientToken string) string {
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(clientToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches reports whether clientToken derives to userToken.
// Comparison is constant-time.
func (t *Tokenizer) Matches(clientToken, userToken string) bool {
	derived := t.UserToken(clientToken)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(userToken)) == 1
}
