package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the variant of a frame within its direction's union.
type MessageType string

// Node → C&C frame types.
const (
	MsgRegister       MessageType = "register"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgHostDiscovered MessageType = "host-discovered"
	MsgHostUpdated    MessageType = "host-updated"
	MsgHostRemoved    MessageType = "host-removed"
	MsgScanComplete   MessageType = "scan-complete"
	MsgCommandResult  MessageType = "command-result"
)

// C&C → Node frame types. Command frames carry the server-generated commandId
// in the envelope; the node echoes it back in the command-result.
const (
	MsgRegistered    MessageType = "registered"
	MsgWake          MessageType = "wake"
	MsgScan          MessageType = "scan"
	MsgUpdateHost    MessageType = "update-host"
	MsgDeleteHost    MessageType = "delete-host"
	MsgScanHostPorts MessageType = "scan-host-ports"
	MsgPingHost      MessageType = "ping-host"
	MsgSleepHost     MessageType = "sleep-host"
	MsgShutdownHost  MessageType = "shutdown-host"
	MsgPing          MessageType = "ping"
	MsgError         MessageType = "error"
)

// Envelope is the wire form of every frame in both directions.
// Data stays raw until the frame passes schema validation for its type.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
}

// NewEnvelope marshals payload into a ready-to-send Envelope.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

// NewCommandEnvelope builds an outbound command frame carrying commandID.
func NewCommandEnvelope(t MessageType, commandID string, payload any) (Envelope, error) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.CommandID = commandID
	return env, nil
}

// DecodeData unmarshals the envelope payload into dst. Callers must have
// validated the envelope first — DecodeData performs no schema checks.
func (e Envelope) DecodeData(dst any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ─── Node → C&C payloads ─────────────────────────────────────────────────────

// NetworkInfo describes the node's local network, reported at registration.
type NetworkInfo struct {
	Subnet  string `json:"subnet,omitempty"`
	Gateway string `json:"gateway,omitempty"`
}

// RegisterData is the first frame a node sends after the upgrade. The nodeId
// here must match the session-token subject or the static token's scope; after
// binding, nodeIds embedded in later payloads are ignored.
type RegisterData struct {
	NodeID          string      `json:"nodeId"`
	Name            string      `json:"name"`
	Location        string      `json:"location"`
	Version         string      `json:"version,omitempty"`
	Platform        string      `json:"platform,omitempty"`
	ProtocolVersion string      `json:"protocolVersion,omitempty"`
	Capabilities    []string    `json:"capabilities,omitempty"`
	NetworkInfo     NetworkInfo `json:"networkInfo,omitzero"`
}

// HeartbeatData is the periodic liveness signal.
type HeartbeatData struct {
	NodeID    string `json:"nodeId"`
	Timestamp int64  `json:"timestamp"`
}

// Host is the wire representation of a LAN host as reported by a node.
// PingResponsive is tri-state: 1 responsive, 0 unresponsive, null unknown.
type Host struct {
	Name           string     `json:"name"`
	MAC            string     `json:"mac"`
	IP             string     `json:"ip"`
	Status         HostStatus `json:"status"`
	PingResponsive *int       `json:"pingResponsive"`
	LastSeen       *time.Time `json:"lastSeen,omitempty"`
	Discovered     int        `json:"discovered"`
	Notes          string     `json:"notes,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	WolPort        int        `json:"wolPort,omitempty"`
	Ports          []int      `json:"ports,omitempty"`
	PortsScannedAt *time.Time `json:"portsScannedAt,omitempty"`
	PortsExpireAt  *time.Time `json:"portsExpireAt,omitempty"`
}

// HostEventData is the payload of host-discovered and host-updated frames:
// the host plus the reporting node.
type HostEventData struct {
	NodeID string `json:"nodeId"`
	Host
}

// HostRemovedData announces that a host was deleted on the node.
type HostRemovedData struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
}

// ScanCompleteData reports the outcome of a network scan.
type ScanCompleteData struct {
	NodeID     string `json:"nodeId"`
	HostsFound int    `json:"hostsFound"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// CommandResultData acknowledges a previously received command frame.
type CommandResultData struct {
	NodeID    string `json:"nodeId"`
	CommandID string `json:"commandId"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ─── C&C → Node payloads ─────────────────────────────────────────────────────

// RegisteredData confirms registration and carries the negotiated session
// parameters. HeartbeatInterval is in milliseconds.
type RegisteredData struct {
	NodeID            string `json:"nodeId"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
	ProtocolVersion   string `json:"protocolVersion,omitempty"`
}

// WakeData names the host to wake. The node resolves the MAC locally when
// only the name is known.
type WakeData struct {
	HostName string `json:"hostName"`
	MAC      string `json:"mac"`
	WolPort  int    `json:"wolPort,omitempty"`
}

// ScanData triggers a network scan. Immediate scans run synchronously and the
// command-result reflects the outcome; background scans acknowledge at once.
type ScanData struct {
	Immediate bool `json:"immediate"`
}

// UpdateHostData modifies a host on the node. CurrentName is the lookup key
// so hosts can be renamed safely; when empty, Name is both key and value.
type UpdateHostData struct {
	CurrentName string     `json:"currentName,omitempty"`
	Name        string     `json:"name"`
	MAC         string     `json:"mac,omitempty"`
	IP          string     `json:"ip,omitempty"`
	Status      HostStatus `json:"status,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	WolPort     *int       `json:"wolPort,omitempty"`
}

// DeleteHostData removes a host from the node's local database.
type DeleteHostData struct {
	Name string `json:"name"`
}

// HostNameData targets a single host by name; used by the per-host command
// frames (scan-host-ports, ping-host, sleep-host, shutdown-host).
type HostNameData struct {
	Name string `json:"name"`
}

// ErrorData tells the node a frame it sent was rejected.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
