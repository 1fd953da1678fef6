// Package wire defines the JSON frame protocol spoken over the origin's
// websocket event channel. Every frame carries a Type discriminator; event
// frames additionally carry a Topic and a raw payload that topic handlers
// decode themselves.
package wire

import "encoding/json"

// Frame types sent by the origin.
const (
	TypePong                  = "pong"
	TypeEvent                 = "event"
	TypeSubscribed            = "subscribed"
	TypeRegistered            = "registered"
	TypeError                 = "error"
	TypeConnectionEstablished = "connection_established"
	TypeDegradedConnection    = "degraded_connection"
	TypeReprovisionAvailable  = "reprovision_available"
	TypeSecretRequest         = "secret_request"
)

// Frame types sent by the agent.
const (
	TypePing        = "ping"
	TypeRegister    = "register"
	TypeSubscribe   = "subscribe"
	TypeDeliveryAck = "delivery_ack"
)

// Event topics.
const (
	TopicCertificate    = "certificate"
	TopicSecret         = "secret"
	TopicAgentUpdate    = "agent_update"
	TopicAPIKeyRotation = "api_key_rotation"
	TopicHostConfig     = "host_config"
	TopicReprovision    = "reprovision"
)

// CloseUnauthorized is the close code the origin uses when the agent's
// credentials were rejected. Distinct from 1008 so that ordinary policy
// closes keep plain backoff semantics.
const CloseUnauthorized = 4401

// Frame is the envelope for every inbound message. Data is left raw so
// topic handlers decode only what they subscribe to.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// EstablishedData is carried by registered / connection_established frames.
type EstablishedData struct {
	ConnectionID string `json:"connection_id"`
}

// DegradedData explains why the origin flagged the connection as degraded
// without dropping it.
type DegradedData struct {
	// Reason is one of key_expired, key_revoked, key_disabled, auth_failed.
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// CertificateEvent notifies the agent that a certificate changed upstream.
type CertificateEvent struct {
	CertificateID string `json:"certificate_id"`
	Fingerprint   string `json:"fingerprint,omitempty"`
}

// SecretEvent notifies the agent that a secret changed upstream.
type SecretEvent struct {
	SecretID string `json:"secret_id"`
	Version  int64  `json:"version,omitempty"`
}

// AgentUpdateEvent announces that a newer agent build is available. The
// agent does not self-update; the event is surfaced for operators.
type AgentUpdateEvent struct {
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
}

// KeyRotationEvent carries a replacement API key. Signature is a detached
// JWS over the new key, produced with the origin's signing key, so a
// spoofed event cannot swap the agent onto attacker credentials.
type KeyRotationEvent struct {
	NewKey    string `json:"new_key"`
	Signature string `json:"signature,omitempty"`
}

// HostConfigEvent carries a replacement subscription set pushed by the
// origin when the host's assignments change.
type HostConfigEvent struct {
	Subscriptions Subscriptions `json:"subscriptions"`
}

// Subscriptions is the set of artifact identifiers the connection asks the
// origin to push events for, plus the update channel name.
type Subscriptions struct {
	Channel        string   `json:"channel"`
	CertificateIDs []string `json:"certificate_ids,omitempty"`
	SecretIDs      []string `json:"secret_ids,omitempty"`
	ManagedKeys    []string `json:"managed_keys,omitempty"`
}

// Register is the extended capability announcement, sent only after the
// connection_established frame and only when the agent has something
// non-default to advertise.
type Register struct {
	Type         string   `json:"type"`
	InstanceID   string   `json:"instance_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	PublicKey    string   `json:"public_key,omitempty"`
	Plugins      []string `json:"plugins,omitempty"`
}

// Subscribe updates the subscription set on an open connection.
type Subscribe struct {
	Type          string        `json:"type"`
	Subscriptions Subscriptions `json:"subscriptions"`
}

// Ping is the heartbeat probe.
type Ping struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

// DeliveryAck reports a completed certificate deploy back to the origin.
type DeliveryAck struct {
	Type          string `json:"type"`
	CertificateID string `json:"certificate_id"`
	Hostname      string `json:"hostname"`
	Fingerprint   string `json:"fingerprint"`
	AgentVersion  string `json:"agent_version,omitempty"`
}

// Encode marshals an outbound frame value.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses an inbound envelope.
func Decode(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, err
	}
	return f, nil
}
