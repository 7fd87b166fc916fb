// Package authentication mints and checks the shared-secret bearer tokens
// used by internal callers and gates end-user requests.
package authentication

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// MaxTokenLifetime bounds WithExpiration.
const MaxTokenLifetime = 365 * 24 * time.Hour

type TokenOpt func(*tokenOpts) error

type tokenOpts struct {
	nonce string
}

// WithExpiration makes the token expire at expiration, rounded to the minute.
func WithExpiration(expiration time.Time) TokenOpt {
	return func(opts *tokenOpts) error {
		exp := time.Until(expiration)
		if exp < 0 {
			return errors.New("expiration time is in the past")
		}
		if exp > MaxTokenLifetime {
			return errors.New("expiration time exceeds maximum of 1 year")
		}
		rounded := max(exp.Round(time.Minute), time.Minute)
		opts.nonce = str2duration.String(rounded) + "." + strconv.FormatInt(time.Now().Unix(), 10)
		return nil
	}
}

// WithNonce fixes the token nonce. Tokens without a nonce get a random one.
func WithNonce(nonce string) TokenOpt {
	return func(opts *tokenOpts) error {
		opts.nonce = nonce
		return nil
	}
}

func sign(sharedSecret, nonce string) []byte {
	sum := sha256.Sum256([]byte(sharedSecret + "." + nonce))
	return sum[:]
}

// NewBearerToken returns "<nonce>.<signature>" where the signature is the
// base64 SHA-256 of the shared secret and nonce. An expiring nonce has the
// form "<lifetime>.<issued unix seconds>".
func NewBearerToken(sharedSecret string, opts ...TokenOpt) (string, error) {
	var o tokenOpts
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return "", err
		}
	}
	if o.nonce == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "generate nonce")
		}
		o.nonce = hex.EncodeToString(buf)
	}
	return o.nonce + "." + base64.StdEncoding.EncodeToString(sign(sharedSecret, o.nonce)), nil
}

// ValidateToken checks the signature and, for expiring tokens, the lifetime.
func ValidateToken(sharedSecret string, auth string) error {
	if len(auth) < 32 {
		return ErrInvalidToken
	}
	idx := strings.LastIndexByte(auth, '.')
	if idx <= 0 {
		return ErrInvalidToken
	}
	nonce, encoded := auth[:idx], auth[idx+1:]

	var expiration time.Time
	switch parts := strings.Split(nonce, "."); len(parts) {
	case 1:
	case 2:
		lifetime, err := str2duration.ParseDuration(parts[0])
		if err != nil || parts[0] == "" {
			return ErrInvalidToken
		}
		issued, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return ErrInvalidToken
		}
		expiration = time.Unix(issued, 0).Add(lifetime)
	default:
		return ErrInvalidToken
	}

	signature, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(sign(sharedSecret, nonce), signature) == 0 {
		return ErrInvalidToken
	}
	if !expiration.IsZero() && expiration.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(authorization string) (string, bool) {
	const prefix = "Bearer "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(authorization[len(prefix):]), true
}
