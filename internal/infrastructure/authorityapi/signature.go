// Package authorityapi talks to the licensing Authority over HTTP. Requests
// and responses are signed with a shared HMAC key; see Signer.
package authorityapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"issuance/internal/core/id"
)

const (
	// HeaderAuthorization carries the request signature.
	HeaderAuthorization = "Authorization"
	// HeaderServerAuthorization carries the response signature.
	HeaderServerAuthorization = "Server-Authorization"

	scheme = "Signature "

	// MaxClockSkew bounds the age of a signature, and how long its nonce
	// is remembered.
	MaxClockSkew = 60 * time.Second
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("invalid signature")
	ErrReplayed         = errors.New("signature nonce already used")
)

// Credentials identify a peer and hold the shared key.
type Credentials struct {
	ID  string
	Key []byte
}

// Claims bind a signature to one message.
type Claims struct {
	jwt.RegisteredClaims
	Method string `json:"mth,omitempty"`
	URL    string `json:"url,omitempty"`
	Hash   string `json:"hash"`
	// Request is the nonce of the request a response answers.
	Request string `json:"req,omitempty"`
}

// PayloadHash hashes a body together with its content type.
func PayloadHash(contentType string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(contentType))))
	h.Write([]byte{'\n'})
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Signer produces and checks message signatures for one set of credentials.
type Signer struct {
	creds Credentials
	now   func() time.Time
}

// NewSigner creates a signer.
func NewSigner(creds Credentials) *Signer {
	return &Signer{creds: creds, now: time.Now}
}

func (s *Signer) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.creds.ID
	signed, err := token.SignedString(s.creds.Key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return scheme + signed, nil
}

// SignRequest returns the Authorization header value for a request, and
// the nonce it used.
func (s *Signer) SignRequest(method, url, contentType string, body []byte) (header, nonce string, err error) {
	nonce = id.New().String()
	header, err = s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       nonce,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
		Method: strings.ToUpper(method),
		URL:    url,
		Hash:   PayloadHash(contentType, body),
	})
	return header, nonce, err
}

// SignResponse returns the Server-Authorization header value answering the
// request with nonce requestNonce.
func (s *Signer) SignResponse(requestNonce, contentType string, body []byte) (string, error) {
	return s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       id.New().String(),
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
		Hash:    PayloadHash(contentType, body),
		Request: requestNonce,
	})
}

func (s *Signer) parse(header string) (*Claims, error) {
	if header == "" {
		return nil, ErrMissingSignature
	}
	raw, ok := strings.CutPrefix(header, scheme)
	if !ok {
		return nil, fmt.Errorf("%w: unknown scheme", ErrBadSignature)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if subtle.ConstantTimeCompare([]byte(kid), []byte(s.creds.ID)) != 1 {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return s.creds.Key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(MaxClockSkew),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if claims.IssuedAt == nil || s.now().Sub(claims.IssuedAt.Time) > MaxClockSkew {
		return nil, fmt.Errorf("%w: expired", ErrBadSignature)
	}
	return claims, nil
}

// VerifyRequest checks an incoming request signature and returns its
// claims. Nonce replay is checked by the caller.
func (s *Signer) VerifyRequest(header, method, url, contentType string, body []byte) (*Claims, error) {
	claims, err := s.parse(header)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: no nonce", ErrBadSignature)
	}
	if !strings.EqualFold(claims.Method, method) || claims.URL != url {
		return nil, fmt.Errorf("%w: signed for %s %s", ErrBadSignature, claims.Method, claims.URL)
	}
	if claims.Hash != PayloadHash(contentType, body) {
		return nil, fmt.Errorf("%w: payload hash mismatch", ErrBadSignature)
	}
	return claims, nil
}

// VerifyResponse checks the Server-Authorization header of a response to
// the request signed with requestNonce.
func (s *Signer) VerifyResponse(header, requestNonce, contentType string, body []byte) error {
	claims, err := s.parse(header)
	if err != nil {
		return err
	}
	if claims.Request != requestNonce {
		return fmt.Errorf("%w: response to another request", ErrBadSignature)
	}
	if claims.Hash != PayloadHash(contentType, body) {
		return fmt.Errorf("%w: payload hash mismatch", ErrBadSignature)
	}
	return nil
}
