// Package protocol defines the wire contract between the C&C server and node
// agents: the frame envelope, the typed payloads for both directions, the
// JSON Schema validator applied to every frame, protocol version negotiation,
// and the application close codes.
//
// Frames are JSON text messages over WebSocket, one message per frame:
//
//	{"type":"wake","commandId":"018f...","data":{"hostName":"office","mac":"AA:BB:CC:DD:EE:FF"}}
//
// The two directions form disjoint tagged unions. Unknown type tags are
// validation failures, never runtime errors — the dispatcher must survive
// any malformed frame.
package protocol

// ProtocolVersion identifies a revision of this wire contract.
const (
	// Version11 adds scan-complete duration reporting and the wolPort field
	// on wake payloads.
	Version11 = "1.1"

	// Version10 is the initial release protocol.
	Version10 = "1.0"
)

// SupportedProtocolVersions lists every protocol revision the server accepts,
// newest first. A node advertising any listed version is accepted and its own
// version is echoed back in registered.data.protocolVersion — the server
// speaks down to older nodes. Anything else closes the connection with
// CloseBadRegister.
var SupportedProtocolVersions = []string{Version11, Version10}

// Negotiate returns the protocol version the session will use, or ok=false
// if the advertised version is unsupported. An empty advertisement is treated
// as Version10 for pre-negotiation nodes.
func Negotiate(advertised string) (version string, ok bool) {
	if advertised == "" {
		return Version10, true
	}
	for _, v := range SupportedProtocolVersions {
		if v == advertised {
			return v, true
		}
	}
	return "", false
}

// WebSocket close codes used by the session manager. 1000 is the standard
// normal closure; the 4xxx range is reserved for application use.
const (
	// CloseNormal is sent on graceful shutdown and clean disconnects.
	CloseNormal = 1000

	// CloseAuthExpired tells the node its session token expired mid-session.
	// The node must mint a fresh token before reconnecting.
	CloseAuthExpired = 4001

	// CloseBadRegister is sent when the register frame is invalid or the
	// advertised protocol version is unsupported.
	CloseBadRegister = 4400

	// CloseAuthRevoked is sent when credentials fail outright. The node must
	// stop reconnecting until it is reconfigured.
	CloseAuthRevoked = 4401

	// CloseIdentityConflict is sent when the register frame names a nodeId
	// the presented credentials are not entitled to.
	CloseIdentityConflict = 4410

	// CloseRateLimited is sent when the per-connection inbound message rate
	// cap is breached.
	CloseRateLimited = 4429
)

// Direction distinguishes the two frame unions for validation and metrics.
// Directions are named from the server's point of view.
type Direction string

const (
	// DirectionInbound covers node → C&C frames.
	DirectionInbound Direction = "inbound"

	// DirectionOutbound covers C&C → node frames.
	DirectionOutbound Direction = "outbound"
)
