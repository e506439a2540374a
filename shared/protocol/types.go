package protocol

// ─── Node ────────────────────────────────────────────────────────────────────

// NodeStatus represents the connection state of a node as seen by the server.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// ─── Host ────────────────────────────────────────────────────────────────────

// HostStatus is the authoritative liveness of a LAN host. ARP presence drives
// this field; ICMP outcome only ever drives PingResponsive.
type HostStatus string

const (
	HostStatusAwake  HostStatus = "awake"
	HostStatusAsleep HostStatus = "asleep"
)

// ─── Command ─────────────────────────────────────────────────────────────────

// CommandType is the kind of operation dispatched to a node.
type CommandType string

const (
	CommandWake          CommandType = "wake"
	CommandScan          CommandType = "scan"
	CommandUpdateHost    CommandType = "update-host"
	CommandDeleteHost    CommandType = "delete-host"
	CommandScanHostPorts CommandType = "scan-host-ports"
	CommandPingHost      CommandType = "ping-host"
	CommandSleepHost     CommandType = "sleep-host"
	CommandShutdownHost  CommandType = "shutdown-host"
	CommandPing          CommandType = "ping"
)

// CommandState is the durable lifecycle state of a dispatched command.
// Transitions are monotone: queued → sent → {acknowledged | failed | timed_out},
// and terminal states never transition again.
type CommandState string

const (
	CommandQueued       CommandState = "queued"
	CommandSent         CommandState = "sent"
	CommandAcknowledged CommandState = "acknowledged"
	CommandFailed       CommandState = "failed"
	CommandTimedOut     CommandState = "timed_out"
)

// Terminal reports whether s is a terminal command state.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandAcknowledged, CommandFailed, CommandTimedOut:
		return true
	}
	return false
}

// ─── Schedules ───────────────────────────────────────────────────────────────

// Frequency enumerates how often a wake schedule repeats.
type Frequency string

const (
	FrequencyOnce     Frequency = "once"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyWeekdays Frequency = "weekdays"
	FrequencyWeekends Frequency = "weekends"
)

// Valid reports whether f is a recognised schedule frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyWeekdays, FrequencyWeekends:
		return true
	}
	return false
}

// ─── Roles ───────────────────────────────────────────────────────────────────

// Role is the permission level carried in operator JWTs.
type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)
