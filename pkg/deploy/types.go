// Package deploy turns inbound change notifications into on-disk artifacts
// with atomicity, verification, and rollback guarantees.
package deploy

import (
	"io/fs"
	"sync"
	"time"
)

// Role names one output flavor of a certificate target.
type Role string

const (
	RoleCombined  Role = "combined"  // leaf + key + chain
	RoleCert      Role = "cert"      // leaf only
	RoleKey       Role = "key"       // private key only
	RoleChain     Role = "chain"     // trust chain only
	RoleFullchain Role = "fullchain" // leaf + chain
)

// SecretFormat selects the formatting strategy for a secret target.
type SecretFormat string

const (
	FormatEnv      SecretFormat = "env"      // KEY="value" lines
	FormatJSON     SecretFormat = "json"     // pretty-printed structured text
	FormatKV       SecretFormat = "kv"       // flat key=value lines
	FormatRaw      SecretFormat = "raw"      // single named field, raw text
	FormatTemplate SecretFormat = "template" // {{ key }} substitution into a template file
)

// TargetSpec is the part shared by certificate and secret targets. All of it
// is consumed read-only by the engines; only the change marker on the
// concrete target types is ever mutated, and only after a fully successful
// deploy. The marker sits behind the target's own lock because event
// handlers read it while a deploy goroutine may be finishing a write.
type TargetSpec struct {
	// ID is the origin-side artifact identifier.
	ID string
	// Name is the human-facing target name used in logs and results.
	Name string
	// Owner is an optional "user:group" to apply after writing.
	Owner string
	// Mode is the permission mode for written files; zero uses the engine
	// default.
	Mode fs.FileMode
	// ReloadCommand runs after a successful write, e.g. to restart the
	// consumer of the files. Empty falls back to the engine-level default.
	ReloadCommand string
	// CheckCommand optionally validates the deployment after the reload.
	CheckCommand string
}

// CertTarget materializes a certificate bundle into one or more role-keyed
// output files.
type CertTarget struct {
	TargetSpec
	// Outputs maps role to destination path.
	Outputs map[Role]string

	mu              sync.Mutex
	lastFingerprint string
}

// LastFingerprint is the change marker of the last successful deploy.
func (t *CertTarget) LastFingerprint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFingerprint
}

// SetFingerprint records a new change marker.
func (t *CertTarget) SetFingerprint(fp string) {
	t.mu.Lock()
	t.lastFingerprint = fp
	t.mu.Unlock()
}

// SecretTarget materializes a secret payload into a single output file.
type SecretTarget struct {
	TargetSpec
	Path   string
	Format SecretFormat
	// Field names the secret data key extracted by the raw format.
	Field string
	// TemplatePath is the externally supplied template for the template
	// format.
	TemplatePath string

	mu          sync.Mutex
	lastVersion int64
}

// LastVersion is the change marker of the last successful deploy.
func (t *SecretTarget) LastVersion() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastVersion
}

// SetVersion records a new change marker.
func (t *SecretTarget) SetVersion(v int64) {
	t.mu.Lock()
	t.lastVersion = v
	t.mu.Unlock()
}

// Result describes one deploy invocation. It is never persisted; telemetry
// and acknowledgement logic consume it.
type Result struct {
	Success      bool
	Message      string
	Marker       string
	FilesWritten []string
	RolledBack   bool
	Duration     time.Duration
}

func failure(msg string, started time.Time) *Result {
	return &Result{Message: msg, Duration: time.Since(started)}
}
