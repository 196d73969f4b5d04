package middleware

import (
	"bytes"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"issuance/internal/core/apperror"
	"issuance/internal/infrastructure/authorityapi"
	"issuance/pkg/logger"
)

const maxSignedBodyBytes = 1 << 20 // 1 MiB

// SignatureConfig configures verification of signed Authority calls.
type SignatureConfig struct {
	Signer *authorityapi.Signer
	Nonces authorityapi.NonceStore
	// KeyID scopes remembered nonces.
	KeyID string
	// PublicURL is the scheme and host the Authority signs, e.g.
	// "https://issuance.example.org". Empty means the request's own host.
	PublicURL string
}

// Signature verifies the Authorization signature of an Authority callback,
// rejects replayed nonces and signs the response with Server-Authorization.
func Signature(cfg SignatureConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBodyBytes+1))
		if err != nil || len(body) > maxSignedBodyBytes {
			_ = c.Error(apperror.NewValidation("unreadable request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		claims, err := cfg.Signer.VerifyRequest(
			c.GetHeader(authorityapi.HeaderAuthorization),
			c.Request.Method,
			signedURL(c, cfg.PublicURL),
			c.ContentType(),
			body,
		)
		if err != nil {
			logger.Warn(ctx, "authority signature rejected", "error", err)
			_ = c.Error(apperror.NewSignature("invalid authority signature").WithCause(err))
			c.Abort()
			return
		}

		replayed, err := cfg.Nonces.Seen(ctx, cfg.KeyID, claims.ID)
		if err != nil {
			_ = c.Error(apperror.NewInternal(err).WithDetail("component", "nonce_store"))
			c.Abort()
			return
		}
		if replayed {
			logger.Warn(ctx, "authority signature replayed", "nonce", claims.ID)
			_ = c.Error(apperror.NewSignature("authority signature replayed").WithCause(authorityapi.ErrReplayed))
			c.Abort()
			return
		}

		w := &bufferedWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()
		c.Writer = w.ResponseWriter

		if w.buf.Len() == 0 {
			return
		}
		header, err := cfg.Signer.SignResponse(claims.ID, w.Header().Get("Content-Type"), w.buf.Bytes())
		if err != nil {
			logger.Error(ctx, "sign authority response", "error", err)
		} else {
			w.Header().Set(authorityapi.HeaderServerAuthorization, header)
		}
		if _, err := w.ResponseWriter.Write(w.buf.Bytes()); err != nil {
			logger.Warn(ctx, "write authority response", "error", err)
		}
	}
}

func signedURL(c *gin.Context, publicURL string) string {
	base := strings.TrimRight(publicURL, "/")
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + c.Request.URL.RequestURI()
}

// bufferedWriter holds the body back until it has been signed.
type bufferedWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	return w.buf.WriteString(s)
}

func (w *bufferedWriter) Written() bool {
	return w.buf.Len() > 0 || w.ResponseWriter.Written()
}

