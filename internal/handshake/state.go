package handshake

type State int

const (
	None State = iota
	RequestSent
	RequestReceived
	Accepted
	Declined
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case RequestSent:
		return "request_sent"
	case RequestReceived:
		return "request_received"
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a handshake.
func (s State) Terminal() bool {
	return s == Accepted || s == Declined
}
