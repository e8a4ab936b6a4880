package domain

// SessionState is the lifecycle state of a client session.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RelayState is the lifecycle state of the relay as a whole.
type RelayState int32

const (
	RelayStopped RelayState = iota
	RelayStarting
	RelayRunning
)

func (s RelayState) String() string {
	switch s {
	case RelayStopped:
		return "stopped"
	case RelayStarting:
		return "starting"
	case RelayRunning:
		return "running"
	default:
		return "unknown"
	}
}

// DeliveryResult reports what happened to a message handed to a session.
type DeliveryResult int

const (
	// DeliveryQueued means the message was queued without loss.
	DeliveryQueued DeliveryResult = iota
	// DeliveryDroppedOldest means the queue was full and its oldest
	// message was discarded to make room.
	DeliveryDroppedOldest
	// DeliveryRejected means the session is no longer open.
	DeliveryRejected
)

// Session close reasons, used in logs and metrics.
const (
	CloseReasonPeerClosed       = "peer_closed"
	CloseReasonWriteError       = "write_error"
	CloseReasonHeartbeatTimeout = "heartbeat_timeout"
	CloseReasonShutdown         = "shutdown"
)
