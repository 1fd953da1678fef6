// Package agent wires the connection manager, deployment engines, origin
// client and status endpoint into one runnable unit.
package agent

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"filippo.io/age"
	"github.com/grafana/dskit/services"

	"github.com/certfleet/certfleet/pkg/config"
	"github.com/certfleet/certfleet/pkg/conn"
	"github.com/certfleet/certfleet/pkg/deploy"
	"github.com/certfleet/certfleet/pkg/health"
	"github.com/certfleet/certfleet/pkg/ident"
	"github.com/certfleet/certfleet/pkg/logutil"
	"github.com/certfleet/certfleet/pkg/origin"
	"github.com/certfleet/certfleet/pkg/state"
	"github.com/certfleet/certfleet/pkg/wire"
)

// Version is stamped at build time.
var Version = "dev"

type counters struct {
	certDeploys     atomic.Uint64
	certFailures    atomic.Uint64
	certRollbacks   atomic.Uint64
	secretDeploys   atomic.Uint64
	secretFailures  atomic.Uint64
	degradedNotices atomic.Uint64
}

// Agent is the composed sync agent.
type Agent struct {
	logger *slog.Logger
	cfg    *config.Config

	creds   *origin.Credentials
	client  *origin.Client
	markers *state.Store
	manager *conn.Manager
	certs   *deploy.CertEngine
	secrets *deploy.SecretEngine
	status  *health.Server

	certTargets   map[string]*deploy.CertTarget
	secretTargets map[string]*deploy.SecretTarget

	// send transmits a frame on the live socket. Split out from the manager
	// so tests can capture outbound frames.
	send func(v any) error

	runCtx    context.Context
	startedAt time.Time
	counters  counters
}

// New builds the agent from a validated config. Nothing connects until Run.
func New(logger *slog.Logger, cfg *config.Config) (*Agent, error) {
	if cfg.Agent.InstanceID == "" {
		id, err := ident.IdFromMac(sha256.New(), cfg.Agent.Hostname)
		if err != nil {
			return nil, fmt.Errorf("deriving instance identity: %w", err)
		}
		cfg.Agent.InstanceID = id.UniqueIdentifier().UUID
	}

	var signingKey ed25519.PublicKey
	if cfg.Origin.SigningKeyFile != "" {
		var err error
		signingKey, err = config.LoadSigningKey(cfg.Origin.SigningKeyFile)
		if err != nil {
			return nil, err
		}
	}
	var identity *age.X25519Identity
	if cfg.Origin.IdentityFile != "" {
		var err error
		identity, err = config.LoadIdentity(cfg.Origin.IdentityFile)
		if err != nil {
			return nil, err
		}
	}

	creds, err := origin.LoadCredentials(logger.With("component", "credentials"), cfg.Origin.TokenFile, signingKey)
	if err != nil {
		return nil, err
	}

	client := origin.NewClient(origin.ClientConfig{
		Logger:      logger.With("component", "origin"),
		BaseURL:     cfg.Origin.APIURL,
		Credentials: creds,
		Identity:    identity,
		InstanceID:  cfg.Agent.InstanceID,
	})

	markers, err := state.Open(logger.With("component", "state"), cfg.Agent.StateDir)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		logger:        logger,
		cfg:           cfg,
		creds:         creds,
		client:        client,
		markers:       markers,
		certTargets:   map[string]*deploy.CertTarget{},
		secretTargets: map[string]*deploy.SecretTarget{},
		runCtx:        context.Background(),
		startedAt:     time.Now(),
	}

	for _, t := range cfg.CertTargets() {
		a.certTargets[t.ID] = t
	}
	for _, t := range cfg.SecretTargets() {
		a.secretTargets[t.ID] = t
	}
	if err := a.seedMarkers(context.Background()); err != nil {
		markers.Close()
		return nil, err
	}

	writer := deploy.NewWriter(logger.With("component", "writer"))
	runner := deploy.NewRunner(logger.With("component", "runner"), cfg.Defaults.CommandTimeout)
	a.certs = deploy.NewCertEngine(deploy.CertEngineConfig{
		Logger:        logger.With("component", "certs"),
		Origin:        client,
		Writer:        writer,
		Runner:        runner,
		Markers:       markers,
		Hostname:      cfg.Agent.Hostname,
		DefaultReload: cfg.Defaults.ReloadCommand,
		Observe:       a.observeCertMetadata,
	})
	a.secrets = deploy.NewSecretEngine(deploy.SecretEngineConfig{
		Logger:        logger.With("component", "secrets"),
		Origin:        client,
		Writer:        writer,
		Runner:        runner,
		Markers:       markers,
		DefaultReload: cfg.Defaults.ReloadCommand,
	})

	announcement := &wire.Register{
		InstanceID:   cfg.Agent.InstanceID,
		Capabilities: cfg.Agent.Capabilities,
	}
	if identity != nil {
		announcement.PublicKey = identity.Recipient().String()
	}

	a.manager = conn.NewManager(logger.With("component", "conn"), conn.Config{
		URL:               cfg.Origin.SocketURL,
		Token:             creds.Token,
		Subscriptions:     a.subscriptions(),
		Announcement:      announcement,
		Recover:           client.RefreshCredentials,
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Connection.HeartbeatTimeout,
		ReconnectBase:     cfg.Connection.ReconnectBase,
		ReconnectMax:      cfg.Connection.ReconnectMax,
		HandshakeTimeout:  cfg.Connection.HandshakeTimeout,
		WriteTimeout:      cfg.Connection.WriteTimeout,
	})
	a.send = a.manager.Send
	a.registerHandlers(a.manager.Dispatcher())

	if cfg.Agent.StatusAddr != "" {
		a.status = health.NewServer(logger.With("component", "status"), cfg.Agent.StatusAddr, a.snapshot)
	}
	return a, nil
}

// seedMarkers loads persisted change markers into the in-memory targets so
// a restart does not redeploy artifacts already on disk.
func (a *Agent) seedMarkers(ctx context.Context) error {
	for id, t := range a.certTargets {
		fp, ok, err := a.markers.Fingerprint(ctx, id)
		if err != nil {
			return fmt.Errorf("loading fingerprint marker for %s: %w", id, err)
		}
		if ok {
			t.SetFingerprint(fp)
		}
	}
	for id, t := range a.secretTargets {
		v, ok, err := a.markers.Version(ctx, id)
		if err != nil {
			return fmt.Errorf("loading version marker for %s: %w", id, err)
		}
		if ok {
			t.SetVersion(v)
		}
	}
	return nil
}

func (a *Agent) subscriptions() wire.Subscriptions {
	subs := wire.Subscriptions{Channel: a.cfg.Agent.Channel}
	for id := range a.certTargets {
		subs.CertificateIDs = append(subs.CertificateIDs, id)
	}
	for id := range a.secretTargets {
		subs.SecretIDs = append(subs.SecretIDs, id)
	}
	return subs
}

func (a *Agent) registerHandlers(d *conn.Dispatcher) {
	d.OnEvent(wire.TopicCertificate, a.handleCertificateEvent)
	d.OnEvent(wire.TopicSecret, a.handleSecretEvent)
	d.OnEvent(wire.TopicAgentUpdate, a.handleAgentUpdate)
	d.OnEvent(wire.TopicAPIKeyRotation, a.handleKeyRotation)
	d.OnEvent(wire.TopicHostConfig, a.handleHostConfig)
	d.OnSecretRequest(a.handleSecretEvent)
	d.OnConnect(func(connectionID string) {
		// Events may have been missed while disconnected; walk every target
		// and let the unchanged short-circuit keep the sweep cheap.
		go a.ResyncAll(a.runCtx)
	})
	d.OnDegraded(func(deg wire.DegradedData) {
		a.counters.degradedNotices.Add(1)
	})
	d.OnReprovision(func() {
		a.logger.Info("reprovisioning credentials on origin request")
		if err := a.client.RefreshCredentials(a.runCtx); err != nil {
			a.logger.With("err", err).Error("reprovisioning failed")
			return
		}
		a.manager.ForceReconnect()
	})
}

// Run starts the agent and blocks until ctx is cancelled or a service
// fails.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx

	svcs := []services.Service{a.manager}
	if a.status != nil {
		svcs = append(svcs, a.status)
	}
	mgr, err := services.NewManager(svcs...)
	if err != nil {
		return err
	}
	if err := services.StartManagerAndAwaitHealthy(ctx, mgr); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	a.logger.With("version", Version, "instance_id", a.cfg.Agent.InstanceID).Info("agent running")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := services.StopManagerAndAwaitStopped(stopCtx, mgr); err != nil {
		a.logger.With("err", err).Warn("services did not stop cleanly")
	}
	return a.markers.Close()
}

// ResyncAll walks every configured target once. Unchanged targets cost one
// metadata request each.
func (a *Agent) ResyncAll(ctx context.Context) {
	a.logger.With("certs", len(a.certTargets), "secrets", len(a.secretTargets)).Info("resyncing all targets")
	for _, t := range a.certTargets {
		a.deployCert(ctx, t, false)
	}
	for _, t := range a.secretTargets {
		a.deploySecret(ctx, t, false)
	}
}

func (a *Agent) handleCertificateEvent(ctx context.Context, data json.RawMessage) {
	log := logutil.WithTopic(a.logger, wire.TopicCertificate)
	var ev wire.CertificateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.With("err", err).Warn("malformed certificate event")
		return
	}
	t, ok := a.certTargets[ev.CertificateID]
	if !ok {
		log.With("certificate_id", ev.CertificateID).Debug("event for unmanaged certificate")
		return
	}
	if ev.Fingerprint != "" && ev.Fingerprint == t.LastFingerprint() {
		return
	}
	// Deploys do network and disk work; get off the dispatch loop so frames
	// keep flowing. The engine's per-target lock serializes bursts.
	go a.deployCert(logutil.WithContext(ctx, log), t, false)
}

func (a *Agent) deployCert(ctx context.Context, t *deploy.CertTarget, force bool) {
	res := a.certs.Deploy(ctx, t, force)
	switch {
	case !res.Success:
		a.counters.certFailures.Add(1)
		if res.RolledBack {
			a.counters.certRollbacks.Add(1)
		}
		logutil.FromContext(ctx).With("target", t.Name, "message", res.Message).Error("certificate deploy failed")
	case res.Message == "deployed":
		a.counters.certDeploys.Add(1)
		ack := &wire.DeliveryAck{
			Type:          wire.TypeDeliveryAck,
			CertificateID: t.ID,
			Hostname:      a.cfg.Agent.Hostname,
			Fingerprint:   res.Marker,
			AgentVersion:  Version,
		}
		if err := a.send(ack); err != nil {
			a.logger.With("err", err).Debug("delivery ack not sent on socket")
		}
	}
}

func (a *Agent) handleSecretEvent(ctx context.Context, data json.RawMessage) {
	log := logutil.WithTopic(a.logger, wire.TopicSecret)
	var ev wire.SecretEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.With("err", err).Warn("malformed secret event")
		return
	}
	t, ok := a.secretTargets[ev.SecretID]
	if !ok {
		log.With("secret_id", ev.SecretID).Debug("event for unmanaged secret")
		return
	}
	if ev.Version != 0 && ev.Version <= t.LastVersion() {
		return
	}
	go a.deploySecret(logutil.WithContext(ctx, log), t, false)
}

func (a *Agent) deploySecret(ctx context.Context, t *deploy.SecretTarget, force bool) {
	res := a.secrets.Deploy(ctx, t, force)
	if !res.Success {
		a.counters.secretFailures.Add(1)
		logutil.FromContext(ctx).With("target", t.Name, "message", res.Message).Error("secret deploy failed")
		return
	}
	if res.Message == "deployed" {
		a.counters.secretDeploys.Add(1)
	}
}

// handleAgentUpdate surfaces the availability of a newer build. Updates
// are rolled out by host tooling, not by the agent replacing itself.
func (a *Agent) handleAgentUpdate(ctx context.Context, data json.RawMessage) {
	var ev wire.AgentUpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.With("err", err).Warn("malformed agent update event")
		return
	}
	a.logger.With("current", Version, "available", ev.Version).Info("agent update available")
}

// handleKeyRotation applies a pushed API key replacement. The rotation is
// signature-verified; the live socket keeps its old credential and the new
// one takes effect on the next dial.
func (a *Agent) handleKeyRotation(ctx context.Context, data json.RawMessage) {
	log := logutil.WithTopic(a.logger, wire.TopicAPIKeyRotation)
	var ev wire.KeyRotationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.With("err", err).Warn("malformed key rotation event")
		return
	}
	if err := a.creds.Rotate(ev.NewKey, []byte(ev.Signature)); err != nil {
		log.With("err", err).Error("rejected key rotation")
	}
}

func (a *Agent) handleHostConfig(ctx context.Context, data json.RawMessage) {
	log := logutil.WithTopic(a.logger, wire.TopicHostConfig)
	var ev wire.HostConfigEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.With("err", err).Warn("malformed host config event")
		return
	}
	if err := a.manager.UpdateSubscriptions(ev.Subscriptions); err != nil {
		log.With("err", err).Warn("failed to push updated subscriptions")
	}
}

func (a *Agent) observeCertMetadata(certID string, meta *deploy.CertMetadata) {
	if meta.DaysRemaining >= 0 && meta.DaysRemaining < 14 {
		a.logger.With("certificate_id", certID, "days_remaining", meta.DaysRemaining).
			Warn("certificate close to expiry")
	}
}

func (a *Agent) snapshot() health.Snapshot {
	return health.Snapshot{
		InstanceID: a.cfg.Agent.InstanceID,
		Hostname:   a.cfg.Agent.Hostname,
		StartedAt:  a.startedAt,
		Connection: a.manager.Status(),
		Deploys: health.DeployCounters{
			CertDeploys:     a.counters.certDeploys.Load(),
			CertFailures:    a.counters.certFailures.Load(),
			CertRollbacks:   a.counters.certRollbacks.Load(),
			SecretDeploys:   a.counters.secretDeploys.Load(),
			SecretFailures:  a.counters.secretFailures.Load(),
			DegradedNotices: a.counters.degradedNotices.Load(),
		},
	}
}
