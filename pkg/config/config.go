// Package config loads and validates the agent's YAML configuration.
package config

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/certfleet/certfleet/pkg/deploy"
)

type Config struct {
	Origin     Origin         `yaml:"origin"`
	Agent      Agent          `yaml:"agent"`
	Connection Connection     `yaml:"connection"`
	Defaults   Defaults       `yaml:"defaults"`
	Certs      []CertTarget   `yaml:"certificates"`
	Secrets    []SecretTarget `yaml:"secrets"`
}

// Origin locates the fleet origin and the agent's credential material.
type Origin struct {
	// SocketURL is the websocket endpoint for change notifications.
	SocketURL string `yaml:"socket_url"`
	// APIURL is the REST endpoint for artifact fetches.
	APIURL    string `yaml:"api_url"`
	TokenFile string `yaml:"token_file"`
	// SigningKeyFile is the PEM-encoded ed25519 public key that signs token
	// rotations. Optional; without it rotation messages are rejected.
	SigningKeyFile string `yaml:"signing_key_file"`
	// IdentityFile is the age identity used to decrypt artifact payloads.
	// Optional; without it payloads are expected in the clear.
	IdentityFile string `yaml:"identity_file"`
}

type Agent struct {
	InstanceID string `yaml:"instance_id"`
	Hostname   string `yaml:"hostname"`
	// Channel selects the event stream this agent subscribes to, e.g.
	// "production" or "staging".
	Channel      string   `yaml:"channel"`
	Capabilities []string `yaml:"capabilities"`
	StateDir     string   `yaml:"state_dir"`
	// StatusAddr serves the local health and status endpoints. Empty
	// disables the listener.
	StatusAddr string `yaml:"status_addr"`
}

type Connection struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

type Defaults struct {
	ReloadCommand  string        `yaml:"reload_command"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type CertTarget struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Owner         string            `yaml:"owner"`
	Mode          string            `yaml:"mode"`
	ReloadCommand string            `yaml:"reload_command"`
	CheckCommand  string            `yaml:"check_command"`
	Outputs       map[string]string `yaml:"outputs"`
}

type SecretTarget struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Owner         string `yaml:"owner"`
	Mode          string `yaml:"mode"`
	ReloadCommand string `yaml:"reload_command"`
	Path          string `yaml:"path"`
	Format        string `yaml:"format"`
	Field         string `yaml:"field"`
	TemplatePath  string `yaml:"template_path"`
}

// Load reads, parses, and validates the config at path. Unknown fields are
// rejected so typos fail loudly instead of silently applying defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			c.Agent.Hostname = host
		}
	}
	if c.Agent.StateDir == "" {
		c.Agent.StateDir = "/var/lib/certfleet"
	}
}

var validRoles = map[string]bool{
	string(deploy.RoleCombined):  true,
	string(deploy.RoleCert):      true,
	string(deploy.RoleKey):       true,
	string(deploy.RoleChain):     true,
	string(deploy.RoleFullchain): true,
}

var validFormats = map[string]bool{
	string(deploy.FormatEnv):      true,
	string(deploy.FormatJSON):     true,
	string(deploy.FormatKV):       true,
	string(deploy.FormatRaw):      true,
	string(deploy.FormatTemplate): true,
}

func (c *Config) Validate() error {
	if c.Origin.SocketURL == "" {
		return fmt.Errorf("origin.socket_url is required")
	}
	if c.Origin.APIURL == "" {
		return fmt.Errorf("origin.api_url is required")
	}
	if c.Origin.TokenFile == "" {
		return fmt.Errorf("origin.token_file is required")
	}

	seen := map[string]bool{}
	for i, t := range c.Certs {
		if t.ID == "" {
			return fmt.Errorf("certificates[%d]: id is required", i)
		}
		if seen["cert/"+t.ID] {
			return fmt.Errorf("certificates[%d]: duplicate id %q", i, t.ID)
		}
		seen["cert/"+t.ID] = true
		if len(t.Outputs) == 0 {
			return fmt.Errorf("certificate %q: at least one output is required", t.ID)
		}
		for role := range t.Outputs {
			if !validRoles[role] {
				return fmt.Errorf("certificate %q: unknown output role %q", t.ID, role)
			}
		}
		if _, err := parseMode(t.Mode); err != nil {
			return fmt.Errorf("certificate %q: %w", t.ID, err)
		}
	}

	for i, t := range c.Secrets {
		if t.ID == "" {
			return fmt.Errorf("secrets[%d]: id is required", i)
		}
		if seen["secret/"+t.ID] {
			return fmt.Errorf("secrets[%d]: duplicate id %q", i, t.ID)
		}
		seen["secret/"+t.ID] = true
		if t.Path == "" {
			return fmt.Errorf("secret %q: path is required", t.ID)
		}
		if !validFormats[t.Format] {
			return fmt.Errorf("secret %q: unknown format %q", t.ID, t.Format)
		}
		if t.Format == string(deploy.FormatRaw) && t.Field == "" {
			return fmt.Errorf("secret %q: raw format requires a field", t.ID)
		}
		if t.Format == string(deploy.FormatTemplate) && t.TemplatePath == "" {
			return fmt.Errorf("secret %q: template format requires template_path", t.ID)
		}
		if _, err := parseMode(t.Mode); err != nil {
			return fmt.Errorf("secret %q: %w", t.ID, err)
		}
	}
	return nil
}

func parseMode(mode string) (fs.FileMode, error) {
	if mode == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(mode, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", mode)
	}
	return fs.FileMode(v), nil
}

// CertTargets converts the config entries into deploy targets. Names
// default to the ID.
func (c *Config) CertTargets() []*deploy.CertTarget {
	out := make([]*deploy.CertTarget, 0, len(c.Certs))
	for _, t := range c.Certs {
		mode, _ := parseMode(t.Mode)
		outputs := make(map[deploy.Role]string, len(t.Outputs))
		for role, path := range t.Outputs {
			outputs[deploy.Role(role)] = path
		}
		out = append(out, &deploy.CertTarget{
			TargetSpec: deploy.TargetSpec{
				ID:            t.ID,
				Name:          targetName(t.Name, t.ID),
				Owner:         t.Owner,
				Mode:          mode,
				ReloadCommand: t.ReloadCommand,
				CheckCommand:  t.CheckCommand,
			},
			Outputs: outputs,
		})
	}
	return out
}

func (c *Config) SecretTargets() []*deploy.SecretTarget {
	out := make([]*deploy.SecretTarget, 0, len(c.Secrets))
	for _, t := range c.Secrets {
		mode, _ := parseMode(t.Mode)
		out = append(out, &deploy.SecretTarget{
			TargetSpec: deploy.TargetSpec{
				ID:            t.ID,
				Name:          targetName(t.Name, t.ID),
				Owner:         t.Owner,
				Mode:          mode,
				ReloadCommand: t.ReloadCommand,
			},
			Path:         t.Path,
			Format:       deploy.SecretFormat(t.Format),
			Field:        t.Field,
			TemplatePath: t.TemplatePath,
		})
	}
	return out
}

func targetName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

// LoadSigningKey parses a PEM-encoded ed25519 public key.
func LoadSigningKey(path string) (ed25519.PublicKey, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	block, _ := pem.Decode(body)
	if block == nil {
		return nil, fmt.Errorf("signing key %s is not PEM", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is not ed25519", path)
	}
	return key, nil
}

// LoadIdentity parses an age identity file and returns the first X25519
// identity in it.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("identity file %s contains no x25519 identity", path)
}
