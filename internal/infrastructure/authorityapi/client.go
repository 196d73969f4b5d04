package authorityapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"issuance/internal/domain/authority"
	"issuance/pkg/logger"
)

var tracer = otel.Tracer("issuance/authorityapi")

const (
	contentTypeJSON = "application/json"
	maxResponseSize = 1 << 20
)

// Config locates the Authority's licence endpoint.
type Config struct {
	BaseURL     string
	LicencePath string
	Timeout     time.Duration
	Credentials Credentials
}

// Client is the HTTP authority.Transport.
type Client struct {
	endpoint string
	http     *http.Client
	signer   *Signer
}

var _ authority.Transport = (*Client)(nil)

// NewClient creates a client. The timeout bounds the whole exchange.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse authority url: %w", err)
	}
	endpoint := base.JoinPath(cfg.LicencePath).String()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		signer:   NewSigner(cfg.Credentials),
	}, nil
}

// Send posts a licence payload. Every failure is a *authority.TransmissionError;
// StatusCode is set when the Authority answered.
func (c *Client) Send(ctx context.Context, payload []byte) (*authority.Response, error) {
	ctx, span := tracer.Start(ctx, "authority.http")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", c.endpoint))

	fail := func(code int, body []byte, err error) (*authority.Response, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &authority.TransmissionError{StatusCode: code, Body: body, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fail(0, nil, fmt.Errorf("build request: %w", err))
	}
	header, nonce, err := c.signer.SignRequest(req.Method, c.endpoint, contentTypeJSON, payload)
	if err != nil {
		return fail(0, nil, err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set(HeaderAuthorization, header)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, nil, fmt.Errorf("post licence: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fail(resp.StatusCode, nil, fmt.Errorf("read response: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, body, fmt.Errorf("authority responded %d", resp.StatusCode))
	}
	if err := c.signer.VerifyResponse(resp.Header.Get(HeaderServerAuthorization), nonce, resp.Header.Get("Content-Type"), body); err != nil {
		// The Authority may have accepted the licence; StatusCode stays
		// unset so the attempt still counts as possibly delivered.
		logger.Warn(ctx, "authority response signature rejected", "error", err)
		return fail(0, body, fmt.Errorf("verify response: %w", err))
	}

	return &authority.Response{StatusCode: resp.StatusCode, Body: body}, nil
}
