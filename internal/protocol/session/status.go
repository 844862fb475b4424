package session

// Status is the observable state of a client connection.
//
// Disconnected -> Connecting -> Authenticating -> Connected; any I/O error
// moves Connected back to Disconnected. Shutdown is terminal.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAuthenticating
	StatusConnected
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusConnected:
		return "connected"
	case StatusShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further connection attempts may happen.
func (s Status) Terminal() bool {
	return s == StatusShutdown
}
