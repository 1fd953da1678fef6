package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certfleet/certfleet/pkg/deploy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
origin:
  socket_url: wss://fleet.example.com/v1/events
  api_url: https://fleet.example.com
  token_file: /etc/certfleet/token
agent:
  instance_id: web-1
  channel: production
defaults:
  reload_command: systemctl reload nginx
certificates:
  - id: cert-web
    name: web
    mode: "0644"
    outputs:
      fullchain: /etc/nginx/ssl/fullchain.pem
      key: /etc/nginx/ssl/key.pem
secrets:
  - id: sec-db
    path: /etc/app/db.env
    format: env
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	require.Equal(t, "web-1", cfg.Agent.InstanceID)
	require.Equal(t, "production", cfg.Agent.Channel)
	require.Equal(t, "/var/lib/certfleet", cfg.Agent.StateDir)
	require.Equal(t, "systemctl reload nginx", cfg.Defaults.ReloadCommand)

	certs := cfg.CertTargets()
	require.Len(t, certs, 1)
	require.Equal(t, "web", certs[0].Name)
	require.Equal(t, os.FileMode(0o644), certs[0].Mode)
	require.Equal(t, "/etc/nginx/ssl/key.pem", certs[0].Outputs[deploy.RoleKey])

	secrets := cfg.SecretTargets()
	require.Len(t, secrets, 1)
	// Name falls back to the ID.
	require.Equal(t, "sec-db", secrets[0].Name)
	require.Equal(t, deploy.FormatEnv, secrets[0].Format)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+"\nbogus_section: {}\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, validConfig))
		require.NoError(t, err)
		return cfg
	}

	t.Run("missing socket url", func(t *testing.T) {
		cfg := base()
		cfg.Origin.SocketURL = ""
		require.ErrorContains(t, cfg.Validate(), "socket_url")
	})

	t.Run("missing token file", func(t *testing.T) {
		cfg := base()
		cfg.Origin.TokenFile = ""
		require.ErrorContains(t, cfg.Validate(), "token_file")
	})

	t.Run("unknown role", func(t *testing.T) {
		cfg := base()
		cfg.Certs[0].Outputs["bogus"] = "/tmp/x"
		require.ErrorContains(t, cfg.Validate(), "unknown output role")
	})

	t.Run("no outputs", func(t *testing.T) {
		cfg := base()
		cfg.Certs[0].Outputs = nil
		require.ErrorContains(t, cfg.Validate(), "at least one output")
	})

	t.Run("duplicate cert id", func(t *testing.T) {
		cfg := base()
		cfg.Certs = append(cfg.Certs, cfg.Certs[0])
		require.ErrorContains(t, cfg.Validate(), "duplicate")
	})

	t.Run("bad mode", func(t *testing.T) {
		cfg := base()
		cfg.Certs[0].Mode = "rwxr--r--"
		require.ErrorContains(t, cfg.Validate(), "invalid mode")
	})

	t.Run("unknown secret format", func(t *testing.T) {
		cfg := base()
		cfg.Secrets[0].Format = "xml"
		require.ErrorContains(t, cfg.Validate(), "unknown format")
	})

	t.Run("raw requires field", func(t *testing.T) {
		cfg := base()
		cfg.Secrets[0].Format = "raw"
		require.ErrorContains(t, cfg.Validate(), "requires a field")
	})

	t.Run("template requires template_path", func(t *testing.T) {
		cfg := base()
		cfg.Secrets[0].Format = "template"
		require.ErrorContains(t, cfg.Validate(), "template_path")
	})
}

func TestParseMode(t *testing.T) {
	m, err := parseMode("0600")
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), m)

	m, err = parseMode("")
	require.NoError(t, err)
	require.Zero(t, m)

	_, err = parseMode("999")
	require.Error(t, err)
}
