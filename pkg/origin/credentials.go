package origin

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jws"
	"github.com/natefinch/atomic"
)

var (
	ErrMalformedSignature = errors.New("malformed detached signature")
	ErrNoSigningKey       = errors.New("no rotation signing key configured")
)

// Credentials holds the agent's origin API token and keeps the on-disk copy
// in sync. Rotations arrive over the socket as a new token plus a detached
// signature from the origin's rotation key; an unverifiable rotation is
// rejected and the current token stays live.
type Credentials struct {
	logger     *slog.Logger
	path       string
	signingKey ed25519.PublicKey

	mu    sync.RWMutex
	token string
}

// LoadCredentials reads the token file at path. signingKey may be nil, in
// which case rotation messages are rejected.
func LoadCredentials(logger *slog.Logger, path string, signingKey ed25519.PublicKey) (*Credentials, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return nil, fmt.Errorf("token file %s is empty", path)
	}
	return &Credentials{
		logger:     logger,
		path:       path,
		signingKey: signingKey,
		token:      token,
	}, nil
}

// Token returns the current API token. Safe for concurrent use; the
// connection layer calls this on every dial so a rotation applies to the
// next reconnect without restarting the agent.
func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Rotate verifies the detached signature over the new token and swaps it in,
// memory first, then disk. A disk failure after the memory swap is logged
// but not fatal: the live connection keeps working and the stale file only
// matters on restart.
func (c *Credentials) Rotate(newToken string, signature []byte) error {
	if len(c.signingKey) == 0 {
		return ErrNoSigningKey
	}
	if err := verifyDetached([]byte(newToken), signature, c.signingKey); err != nil {
		return fmt.Errorf("verifying rotation signature: %w", err)
	}

	c.mu.Lock()
	c.token = newToken
	c.mu.Unlock()

	if err := c.persist(newToken); err != nil {
		c.logger.With("err", err, "path", c.path).Error("failed to persist rotated token")
	}
	c.logger.Info("api token rotated")
	return nil
}

// Store replaces the token without signature verification. Used by the
// reprovisioning flow, where the new token comes from an authenticated HTTPS
// response rather than a socket message.
func (c *Credentials) Store(token string) error {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return c.persist(token)
}

func (c *Credentials) persist(token string) error {
	if err := atomic.WriteFile(c.path, strings.NewReader(token+"\n")); err != nil {
		return err
	}
	return os.Chmod(c.path, 0o600)
}

// verifyDetached checks a detached JWS (header..signature) against payload.
// The payload segment is reinserted before verification.
func verifyDetached(payload, sig []byte, key ed25519.PublicKey) error {
	firstIndex := bytes.IndexByte(sig, '.')
	lastIndex := bytes.LastIndexByte(sig, '.')
	if firstIndex == -1 || lastIndex == -1 || firstIndex == lastIndex {
		return ErrMalformedSignature
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	buf := new(bytes.Buffer)
	buf.Write(sig[:firstIndex+1])
	buf.WriteString(encoded)
	buf.Write(sig[lastIndex:])
	if _, err := jws.Verify(buf.Bytes(), jwa.EdDSA, key); err != nil {
		return err
	}
	return nil
}
