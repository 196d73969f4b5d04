package authorityapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{ID: "issuance", Key: []byte("0123456789abcdef0123456789abcdef")}

func TestSignAndVerifyRequest(t *testing.T) {
	s := NewSigner(testCreds)
	body := []byte(`{"licence":{}}`)

	header, nonce, err := s.SignRequest("post", "https://authority.test/licences", contentTypeJSON, body)
	require.NoError(t, err)
	assert.NotEmpty(t, nonce)

	claims, err := s.VerifyRequest(header, "POST", "https://authority.test/licences", contentTypeJSON, body)
	require.NoError(t, err)
	assert.Equal(t, nonce, claims.ID)
}

func TestVerifyRequestRejects(t *testing.T) {
	s := NewSigner(testCreds)
	body := []byte(`{"licence":{}}`)
	header, _, err := s.SignRequest("POST", "https://authority.test/licences", contentTypeJSON, body)
	require.NoError(t, err)

	tests := []struct {
		name   string
		signer *Signer
		header string
		method string
		url    string
		body   []byte
	}{
		{"missing header", s, "", "POST", "https://authority.test/licences", body},
		{"other scheme", s, "Bearer abc", "POST", "https://authority.test/licences", body},
		{"tampered body", s, header, "POST", "https://authority.test/licences", []byte(`{"licence":{"id":"x"}}`)},
		{"other method", s, header, "PUT", "https://authority.test/licences", body},
		{"other url", s, header, "POST", "https://authority.test/other", body},
		{"other key", NewSigner(Credentials{ID: "issuance", Key: []byte("another-key-another-key-another!")}), header, "POST", "https://authority.test/licences", body},
		{"other key id", NewSigner(Credentials{ID: "someone", Key: testCreds.Key}), header, "POST", "https://authority.test/licences", body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.signer.VerifyRequest(tt.header, tt.method, tt.url, contentTypeJSON, tt.body)
			assert.Error(t, err)
		})
	}
}

func TestVerifyRequestExpired(t *testing.T) {
	s := NewSigner(testCreds)
	past := time.Now().Add(-5 * time.Minute)
	s.now = func() time.Time { return past }
	header, _, err := s.SignRequest("POST", "u", contentTypeJSON, nil)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.VerifyRequest(header, "POST", "u", contentTypeJSON, nil)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyResponse(t *testing.T) {
	s := NewSigner(testCreds)
	body := []byte(`{"accepted":[]}`)

	header, err := s.SignResponse("nonce-1", contentTypeJSON, body)
	require.NoError(t, err)

	assert.NoError(t, s.VerifyResponse(header, "nonce-1", contentTypeJSON, body))
	assert.ErrorIs(t, s.VerifyResponse(header, "nonce-2", contentTypeJSON, body), ErrBadSignature)
	assert.ErrorIs(t, s.VerifyResponse(header, "nonce-1", contentTypeJSON, []byte(`{}`)), ErrBadSignature)
	assert.ErrorIs(t, s.VerifyResponse("", "nonce-1", contentTypeJSON, body), ErrMissingSignature)
}

func TestPayloadHashNormalisesContentType(t *testing.T) {
	assert.Equal(t, PayloadHash("application/json", []byte("x")), PayloadHash(" Application/JSON", []byte("x")))
	assert.NotEqual(t, PayloadHash("application/json", []byte("x")), PayloadHash("text/plain", []byte("x")))
}

func TestMemoryNonceStore(t *testing.T) {
	store := NewMemoryNonceStore()
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	seen, err := store.Seen(ctx, "issuance", "n1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = store.Seen(ctx, "issuance", "n1")
	assert.True(t, seen)

	seen, _ = store.Seen(ctx, "other", "n1")
	assert.False(t, seen)

	now = now.Add(2*MaxClockSkew + time.Second)
	seen, _ = store.Seen(ctx, "issuance", "n1")
	assert.False(t, seen, "expired nonces are forgotten")
}
