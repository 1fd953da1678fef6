package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/certfleet/certfleet/pkg/util"
)

// Secret is a fetched secret payload with its monotonically increasing
// upstream version.
type Secret struct {
	ID      string
	Version int64
	Data    map[string]any
}

// SecretOrigin fetches secret material. Retry semantics live behind this
// boundary.
type SecretOrigin interface {
	FetchSecret(ctx context.Context, id string) (*Secret, error)
}

// VersionStore persists the last-applied secret version across restarts.
type VersionStore interface {
	PutVersion(ctx context.Context, id string, version int64) error
}

// SecretEngineConfig parametrizes a secret engine.
type SecretEngineConfig struct {
	Logger        *slog.Logger
	Origin        SecretOrigin
	Writer        *Writer
	Runner        *Runner
	Markers       VersionStore // optional
	DefaultReload string
}

// SecretEngine renders secrets to disk in the target's configured format.
// Unlike certificates there is no backup or rollback: a secret write is a
// single file, and the verified atomic write either fully lands or leaves
// the previous content untouched.
type SecretEngine struct {
	cfg   SecretEngineConfig
	locks targetLocks
}

func NewSecretEngine(cfg SecretEngineConfig) *SecretEngine {
	return &SecretEngine{cfg: cfg}
}

// Deploy fetches the target's secret and writes it if the upstream version
// moved past what was last applied. force bypasses the version check.
func (e *SecretEngine) Deploy(ctx context.Context, t *SecretTarget, force bool) *Result {
	unlock := e.locks.acquire(t.ID)
	defer unlock()

	start := time.Now()
	log := e.cfg.Logger.With("target", t.Name, "secret_id", t.ID, "deploy_id", util.NewUUID())

	secret, err := e.cfg.Origin.FetchSecret(ctx, t.ID)
	if err != nil {
		return failure(fmt.Sprintf("fetching secret: %v", err), start)
	}

	if !force && t.LastVersion() >= secret.Version {
		log.With("version", secret.Version).Debug("secret unchanged")
		return &Result{Success: true, Message: "unchanged", Marker: versionMarker(secret.Version), Duration: time.Since(start)}
	}

	content, err := e.render(t, secret)
	if err != nil {
		return failure(fmt.Sprintf("rendering secret: %v", err), start)
	}

	mode := t.Mode
	if mode == 0 {
		mode = 0o600
	}
	if err := e.cfg.Writer.Write(t.Path, content, mode, true); err != nil {
		return failure(fmt.Sprintf("writing %s: %v", t.Path, err), start)
	}
	if err := e.cfg.Writer.SetOwner(t.Path, t.Owner); err != nil {
		log.With("err", err, "path", t.Path).Warn("ownership change failed")
	}

	// Reload is best-effort for secrets: the file on disk is already the
	// new truth, and a consumer restart will pick it up.
	reloadCmd := t.ReloadCommand
	if reloadCmd == "" {
		reloadCmd = e.cfg.DefaultReload
	}
	if reloadCmd != "" {
		if err := e.cfg.Runner.Run(ctx, reloadCmd); err != nil {
			log.With("err", err).Warn("reload command failed after secret write")
		}
	}

	t.SetVersion(secret.Version)
	if e.cfg.Markers != nil {
		if err := e.cfg.Markers.PutVersion(ctx, t.ID, secret.Version); err != nil {
			log.With("err", err).Warn("failed to persist version marker")
		}
	}

	log.With("version", secret.Version, "format", t.Format).Info("secret deployed")
	return &Result{
		Success:      true,
		Message:      "deployed",
		Marker:       versionMarker(secret.Version),
		FilesWritten: []string{t.Path},
		Duration:     time.Since(start),
	}
}

func versionMarker(v int64) string { return fmt.Sprintf("v%d", v) }

func (e *SecretEngine) render(t *SecretTarget, secret *Secret) ([]byte, error) {
	switch t.Format {
	case FormatEnv:
		return renderEnv(secret.Data), nil
	case FormatJSON:
		out, err := json.MarshalIndent(secret.Data, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	case FormatKV:
		return renderKV(secret.Data), nil
	case FormatRaw:
		v, ok := secret.Data[t.Field]
		if !ok {
			return nil, fmt.Errorf("secret %s has no field %q", secret.ID, t.Field)
		}
		return []byte(stringify(v)), nil
	case FormatTemplate:
		return renderTemplate(t.TemplatePath, secret)
	default:
		return nil, fmt.Errorf("unknown secret format %q", t.Format)
	}
}

// renderEnv emits sorted KEY="value" lines suitable for sourcing from a
// shell or an EnvironmentFile directive. Keys are upper-cased with
// non-identifier characters squashed to underscores.
func renderEnv(data map[string]any) []byte {
	keys := sortedKeys(data)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(envKey(k))
		b.WriteString("=\"")
		b.WriteString(envEscape(stringify(data[k])))
		b.WriteString("\"\n")
	}
	return []byte(b.String())
}

func envKey(k string) string {
	out := make([]rune, 0, len(k))
	for _, r := range strings.ToUpper(k) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func envEscape(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return r.Replace(v)
}

func renderKV(data map[string]any) []byte {
	keys := sortedKeys(data)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(stringify(data[k]))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

var templatePlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// renderTemplate substitutes {{ key }} placeholders in the template file
// with secret fields. A placeholder with no matching field fails the deploy
// rather than silently writing the placeholder through.
func renderTemplate(path string, secret *Secret) ([]byte, error) {
	tmpl, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}
	var missing []string
	out := templatePlaceholder.ReplaceAllFunc(tmpl, func(m []byte) []byte {
		key := string(templatePlaceholder.FindSubmatch(m)[1])
		v, ok := secret.Data[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return []byte(stringify(v))
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("template references missing secret fields: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stringify keeps strings verbatim and renders everything else the way it
// would appear in JSON, so numbers do not pick up float formatting noise.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}
