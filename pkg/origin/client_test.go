package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, url string, identity *age.X25519Identity) *Client {
	t.Helper()
	creds, err := LoadCredentials(testLogger(), writeTokenFile(t, "tok-1"), nil)
	require.NoError(t, err)
	return NewClient(ClientConfig{
		Logger:      testLogger(),
		BaseURL:     url,
		Credentials: creds,
		Identity:    identity,
		InstanceID:  "agent-1",
	})
}

func TestCertificateMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/certificates/cert-1", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"fingerprint":    "fp-1",
			"days_remaining": 12,
		})
	}))
	defer srv.Close()

	meta, err := testClient(t, srv.URL, nil).CertificateMetadata(context.Background(), "cert-1")
	require.NoError(t, err)
	require.Equal(t, "fp-1", meta.Fingerprint)
	require.Equal(t, 12, meta.DaysRemaining)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"fingerprint": "fp-1"})
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, nil).CertificateMetadata(context.Background(), "cert-1")
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no such certificate", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, nil).CertificateMetadata(context.Background(), "cert-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
	require.Equal(t, 1, calls)
}

func TestDownloadCertificateDecrypts(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	plaintext := []byte("-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----\n")
	var encrypted bytes.Buffer
	w, err := age.Encrypt(&encrypted, identity.Recipient())
	require.NoError(t, err)
	_, err = w.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(encrypted.Bytes())
	}))
	defer srv.Close()

	got, err := testClient(t, srv.URL, identity).DownloadCertificate(context.Background(), "cert-1")
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDownloadCertificatePlaintextPassthrough(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	plaintext := []byte("-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(plaintext)
	}))
	defer srv.Close()

	got, err := testClient(t, srv.URL, identity).DownloadCertificate(context.Background(), "cert-1")
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestFetchSecretEncryptedData(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	data, err := json.Marshal(map[string]any{"password": "hunter2"})
	require.NoError(t, err)
	var encrypted bytes.Buffer
	w, err := age.Encrypt(&encrypted, identity.Recipient())
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":        "sec-1",
			"version":   5,
			"encrypted": encrypted.Bytes(),
		})
	}))
	defer srv.Close()

	secret, err := testClient(t, srv.URL, identity).FetchSecret(context.Background(), "sec-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), secret.Version)
	require.Equal(t, "hunter2", secret.Data["password"])
}

func TestAcknowledgeDelivery(t *testing.T) {
	var got deliveryAck
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/certificates/cert-1/ack", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	err := testClient(t, srv.URL, nil).AcknowledgeDelivery(context.Background(), "cert-1", "host-1", "fp-1")
	require.NoError(t, err)
	require.Equal(t, "host-1", got.Hostname)
	require.Equal(t, "fp-1", got.Fingerprint)
}

func TestRefreshCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agents/agent-1/reprovision", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"token": "tok-2"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	require.NoError(t, c.RefreshCredentials(context.Background()))
	require.Equal(t, "tok-2", c.cfg.Credentials.Token())

	body, err := os.ReadFile(c.cfg.Credentials.path)
	require.NoError(t, err)
	require.Equal(t, "tok-2\n", string(body))
}
