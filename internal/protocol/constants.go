package protocol

const (
	MaxPayloadSize = 64 * 1024

	TokenAccept  = "accept_request"
	TokenDecline = "decline_request"
	TokenRequest = "start_chat"

	// chatFrameMarker leads every chat frame. No handshake token starts with
	// it, so the two kinds of payload never collide.
	chatFrameMarker byte = 0x00
)

type MessageType uint8

const (
	MsgUnknown MessageType = iota
	MsgRequest
	MsgAccept
	MsgDecline
	MsgChat
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "START_CHAT"
	case MsgAccept:
		return "ACCEPT_REQUEST"
	case MsgDecline:
		return "DECLINE_REQUEST"
	case MsgChat:
		return "CHAT"
	default:
		return "UNKNOWN"
	}
}

// IsHandshake reports whether t is one of the three handshake messages.
func (t MessageType) IsHandshake() bool {
	return t == MsgRequest || t == MsgAccept || t == MsgDecline
}
