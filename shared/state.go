package shared

// ConnectionState represents the lifecycle state of a persistent connection.
type ConnectionState int

const (
	Closed ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	ShuttingDown
)

// String stringifies the provided connection state.
func (s ConnectionState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case ShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// BotStatus represents the runtime status of a trading bot.
type BotStatus int

const (
	Stopped BotStatus = iota
	// Starting is reserved for asynchronous startup. Bot starts are
	// currently synchronous and go straight to running.
	Starting
	Running
	Halted
	Errored
)

// String stringifies the provided bot status.
func (s BotStatus) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Health represents the health of a backing connection.
type Health struct {
	Connected bool
	PingOK    bool
}
