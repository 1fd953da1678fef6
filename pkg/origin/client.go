// Package origin is the HTTPS client for the fleet origin: artifact
// metadata, payload downloads, delivery acknowledgements, and credential
// reprovisioning. Transient failures are retried with exponential backoff;
// payloads may arrive age-encrypted and are decrypted with the agent's
// identity before anything else sees them.
package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/certfleet/certfleet/pkg/deploy"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxRetries            = 4
)

// ClientConfig parametrizes an origin client.
type ClientConfig struct {
	Logger      *slog.Logger
	BaseURL     string
	Credentials *Credentials
	// Identity decrypts age-encrypted payloads. Nil means payloads are
	// expected in the clear.
	Identity *age.X25519Identity
	// InstanceID identifies this agent to the reprovisioning endpoint.
	InstanceID string
	Timeout    time.Duration
}

// Client talks to the origin REST API.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("origin returned %d: %s", e.code, e.body)
}

// do issues one request with retries. Network errors and 5xx responses are
// retried; any other status is returned immediately.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	var out []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.Credentials.Token())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode, body: snippet(data)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&statusError{code: resp.StatusCode, body: snippet(data)})
		}
		out = data
		return nil
	}

	if err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.cfg.Logger.With("err", err, "wait", wait, "path", path).Debug("retrying origin request")
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}

// decrypt unwraps an age-encrypted payload, armored or binary. Plaintext
// passes through untouched so origins can migrate encryption on without a
// lockstep agent upgrade.
func (c *Client) decrypt(payload []byte) ([]byte, error) {
	if c.cfg.Identity == nil {
		return payload, nil
	}
	var src io.Reader
	switch {
	case bytes.HasPrefix(payload, []byte(armor.Header)):
		src = armor.NewReader(bytes.NewReader(payload))
	case bytes.HasPrefix(payload, []byte("age-encryption.org/")):
		src = bytes.NewReader(payload)
	default:
		return payload, nil
	}
	r, err := age.Decrypt(src, c.cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return io.ReadAll(r)
}

type certMetadataResponse struct {
	Fingerprint   string `json:"fingerprint"`
	DaysRemaining int    `json:"days_remaining"`
}

// CertificateMetadata fetches fingerprint and expiry info without the
// payload.
func (c *Client) CertificateMetadata(ctx context.Context, id string) (*deploy.CertMetadata, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/certificates/"+id, nil)
	if err != nil {
		return nil, err
	}
	var resp certMetadataResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding certificate metadata: %w", err)
	}
	return &deploy.CertMetadata{
		Fingerprint:   resp.Fingerprint,
		DaysRemaining: resp.DaysRemaining,
	}, nil
}

// DownloadCertificate fetches and, when configured, decrypts the PEM bundle.
func (c *Client) DownloadCertificate(ctx context.Context, id string) ([]byte, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/certificates/"+id+"/download", nil)
	if err != nil {
		return nil, err
	}
	return c.decrypt(body)
}

type deliveryAck struct {
	Hostname    string `json:"hostname"`
	Fingerprint string `json:"fingerprint"`
}

// AcknowledgeDelivery reports a successful deploy back to the origin.
func (c *Client) AcknowledgeDelivery(ctx context.Context, certID, hostname, fingerprint string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/certificates/"+certID+"/ack",
		deliveryAck{Hostname: hostname, Fingerprint: fingerprint})
	return err
}

type secretResponse struct {
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Data    map[string]any `json:"data,omitempty"`
	// Encrypted carries the age-encrypted JSON data object when the origin
	// encrypts secret material at rest.
	Encrypted []byte `json:"encrypted,omitempty"`
}

// FetchSecret fetches secret material, decrypting the data object when the
// origin sends it encrypted.
func (c *Client) FetchSecret(ctx context.Context, id string) (*deploy.Secret, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/secrets/"+id, nil)
	if err != nil {
		return nil, err
	}
	var resp secretResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding secret: %w", err)
	}
	data := resp.Data
	if len(resp.Encrypted) > 0 {
		plain, err := c.decrypt(resp.Encrypted)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(plain, &data); err != nil {
			return nil, fmt.Errorf("decoding decrypted secret data: %w", err)
		}
	}
	return &deploy.Secret{ID: resp.ID, Version: resp.Version, Data: data}, nil
}

type reprovisionResponse struct {
	Token string `json:"token"`
}

// RefreshCredentials asks the origin for a replacement token and persists
// it. The connection layer calls this after an authentication rejection
// before it schedules the next reconnect.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodPost, "/api/v1/agents/"+c.cfg.InstanceID+"/reprovision", nil)
	if err != nil {
		return fmt.Errorf("reprovisioning credentials: %w", err)
	}
	var resp reprovisionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding reprovision response: %w", err)
	}
	if resp.Token == "" {
		return fmt.Errorf("reprovision response carried no token")
	}
	if err := c.cfg.Credentials.Store(resp.Token); err != nil {
		return fmt.Errorf("persisting reprovisioned token: %w", err)
	}
	return nil
}
