package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/natefinch/atomic"
	"github.com/samber/lo"

	"github.com/certfleet/certfleet/pkg/util"
)

// CertMetadata is what the origin reports about a certificate before the
// payload is fetched.
type CertMetadata struct {
	Fingerprint   string
	DaysRemaining int
}

// CertOrigin is the set of origin collaborators the certificate engine
// needs. Retry and timeout semantics live behind this boundary.
type CertOrigin interface {
	CertificateMetadata(ctx context.Context, id string) (*CertMetadata, error)
	DownloadCertificate(ctx context.Context, id string) ([]byte, error)
	AcknowledgeDelivery(ctx context.Context, certID, hostname, fingerprint string) error
}

// FingerprintStore persists the last-applied fingerprint across restarts.
type FingerprintStore interface {
	PutFingerprint(ctx context.Context, id, fingerprint string) error
}

// CertEngineConfig parametrizes a certificate engine.
type CertEngineConfig struct {
	Logger        *slog.Logger
	Origin        CertOrigin
	Writer        *Writer
	Runner        *Runner
	Markers       FingerprintStore // optional
	Hostname      string
	DefaultReload string
	// Observe receives fetched metadata for telemetry regardless of deploy
	// outcome. Optional.
	Observe func(certID string, meta *CertMetadata)
}

// CertEngine deploys certificate bundles to disk with backup and rollback.
type CertEngine struct {
	cfg   CertEngineConfig
	locks targetLocks
}

func NewCertEngine(cfg CertEngineConfig) *CertEngine {
	return &CertEngine{cfg: cfg}
}

type backupEntry struct {
	path    string
	bakPath string
	mode    fs.FileMode
	content []byte
}

// Deploy applies the current upstream state of the target's certificate.
// With force unset, an unchanged fingerprint short-circuits with no I/O.
func (e *CertEngine) Deploy(ctx context.Context, t *CertTarget, force bool) *Result {
	unlock := e.locks.acquire(t.ID)
	defer unlock()

	start := time.Now()
	log := e.cfg.Logger.With("target", t.Name, "certificate_id", t.ID, "deploy_id", util.NewUUID())

	meta, err := e.cfg.Origin.CertificateMetadata(ctx, t.ID)
	if meta != nil && e.cfg.Observe != nil {
		e.cfg.Observe(t.ID, meta)
	}
	if err != nil {
		return failure(fmt.Sprintf("fetching certificate metadata: %v", err), start)
	}

	if !force && t.LastFingerprint() == meta.Fingerprint {
		log.With("fingerprint", meta.Fingerprint).Debug("certificate unchanged")
		return &Result{Success: true, Message: "unchanged", Marker: meta.Fingerprint, Duration: time.Since(start)}
	}

	if meta.DaysRemaining < 0 {
		// Never materialize an already-expired artifact; fail before any
		// fetch or decrypt work.
		return failure(fmt.Sprintf("certificate expired %d days ago, refusing to deploy", -meta.DaysRemaining), start)
	}

	payload, err := e.cfg.Origin.DownloadCertificate(ctx, t.ID)
	if err != nil {
		return failure(fmt.Sprintf("downloading certificate: %v", err), start)
	}
	bundle, err := ParseBundle(payload)
	if err != nil {
		return failure(fmt.Sprintf("parsing certificate bundle: %v", err), start)
	}

	backups, err := e.backupExisting(t)
	if err != nil {
		return failure(fmt.Sprintf("creating backups: %v", err), start)
	}

	return e.apply(ctx, t, bundle, meta, backups, start, log)
}

// apply runs the write/verify/reload/check phase. From here on, backups
// exist and every failure that has touched disk goes through the restore
// path, including panics.
func (e *CertEngine) apply(
	ctx context.Context,
	t *CertTarget,
	bundle *Bundle,
	meta *CertMetadata,
	backups []backupEntry,
	start time.Time,
	log *slog.Logger,
) (res *Result) {
	var files []string

	rollback := func(reason string) *Result {
		log.With("reason", reason).Warn("rolling back deployment")
		e.restore(ctx, t, backups, log)
		r := failure(reason, start)
		r.RolledBack = true
		r.FilesWritten = files
		return r
	}

	defer func() {
		if r := recover(); r != nil {
			res = rollback(fmt.Sprintf("unexpected failure during deploy: %v", r))
		}
	}()

	// Stable output order keeps logs and failure modes deterministic.
	roles := lo.Keys(t.Outputs)
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	written := map[string]string{}
	for _, role := range roles {
		path := t.Outputs[role]
		content, ok, err := bundle.Render(role)
		if err != nil {
			return rollback(fmt.Sprintf("composing %s output: %v", role, err))
		}
		if !ok {
			log.With("role", role, "path", path).Warn("bundle has nothing for this role, skipping output")
			continue
		}
		if err := e.cfg.Writer.Write(path, content, e.modeFor(t, role), false); err != nil {
			return rollback(fmt.Sprintf("writing %s: %v", path, err))
		}
		if err := e.cfg.Writer.SetOwner(path, t.Owner); err != nil {
			log.With("err", err, "path", path).Warn("ownership change failed")
		}
		written[path] = util.HashContent(content)
		files = append(files, path)
	}

	// Re-read everything we wrote. A mismatch aborts without rollback:
	// nothing downstream has acted on the bad write yet.
	for path, want := range written {
		got, err := util.HashFile(path)
		if err != nil {
			return failureWithFiles(fmt.Sprintf("verifying %s: %v", path, err), start, files)
		}
		if got != want {
			return failureWithFiles(fmt.Sprintf("%v: %s", ErrVerifyMismatch, path), start, files)
		}
	}

	reloadCmd := t.ReloadCommand
	if reloadCmd == "" {
		reloadCmd = e.cfg.DefaultReload
	}
	if reloadCmd != "" {
		if err := e.cfg.Runner.Run(ctx, reloadCmd); err != nil {
			return rollback(fmt.Sprintf("reload command failed: %v", err))
		}
	}
	if t.CheckCommand != "" {
		if err := e.cfg.Runner.Run(ctx, t.CheckCommand); err != nil {
			return rollback(fmt.Sprintf("health check failed: %v", err))
		}
	}

	t.SetFingerprint(meta.Fingerprint)
	if e.cfg.Markers != nil {
		if err := e.cfg.Markers.PutFingerprint(ctx, t.ID, meta.Fingerprint); err != nil {
			log.With("err", err).Warn("failed to persist fingerprint marker")
		}
	}
	if err := e.cfg.Origin.AcknowledgeDelivery(ctx, t.ID, e.cfg.Hostname, meta.Fingerprint); err != nil {
		log.With("err", err).Warn("failed to acknowledge delivery")
	}
	e.removeBackups(backups)

	log.With("fingerprint", meta.Fingerprint, "files", len(files)).Info("certificate deployed")
	return &Result{
		Success:      true,
		Message:      "deployed",
		Marker:       meta.Fingerprint,
		FilesWritten: files,
		Duration:     time.Since(start),
	}
}

// backupExisting copies every currently existing output file to a sibling
// .bak path before any mutation.
func (e *CertEngine) backupExisting(t *CertTarget) ([]backupEntry, error) {
	var backups []backupEntry
	for _, path := range t.Outputs {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		bak := path + ".bak"
		if err := atomic.WriteFile(bak, bytes.NewReader(content)); err != nil {
			return nil, fmt.Errorf("writing backup %s: %w", bak, err)
		}
		backups = append(backups, backupEntry{
			path:    path,
			bakPath: bak,
			mode:    info.Mode().Perm(),
			content: content,
		})
	}
	return backups, nil
}

// restore puts every backup back and re-runs the reload command
// best-effort so the consumer picks the restored files up again. A failing
// restore is the most severe condition the engine can hit: the system can
// no longer self-correct, so it is logged loudly but never crashes the
// agent.
func (e *CertEngine) restore(ctx context.Context, t *CertTarget, backups []backupEntry, log *slog.Logger) {
	failed := false
	for _, b := range backups {
		if err := e.cfg.Writer.Write(b.path, b.content, b.mode, true); err != nil {
			failed = true
			log.With("err", err, "path", b.path).Error("BACKUP RESTORE FAILED, manual intervention required")
		}
	}
	if failed {
		return
	}

	reloadCmd := t.ReloadCommand
	if reloadCmd == "" {
		reloadCmd = e.cfg.DefaultReload
	}
	if reloadCmd != "" {
		if err := e.cfg.Runner.Run(ctx, reloadCmd); err != nil {
			log.With("err", err).Warn("reload after restore failed")
		}
	}
}

func (e *CertEngine) removeBackups(backups []backupEntry) {
	for _, b := range backups {
		if err := os.Remove(b.bakPath); err != nil && !os.IsNotExist(err) {
			e.cfg.Logger.With("err", err, "path", b.bakPath).Warn("failed to remove backup")
		}
	}
}

func (e *CertEngine) modeFor(t *CertTarget, role Role) fs.FileMode {
	if t.Mode != 0 {
		return t.Mode
	}
	switch role {
	case RoleKey, RoleCombined:
		return 0o600
	default:
		return 0o644
	}
}

func failureWithFiles(msg string, started time.Time, files []string) *Result {
	r := failure(msg, started)
	r.FilesWritten = files
	return r
}
