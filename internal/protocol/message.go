package protocol

type Message interface {
	Type() MessageType
}

type Request struct{}

func (Request) Type() MessageType { return MsgRequest }

type Accept struct{}

func (Accept) Type() MessageType { return MsgAccept }

type Decline struct{}

func (Decline) Type() MessageType { return MsgDecline }

// ChatFrame carries one line of chat once a session is established. Bye marks
// the last frame a peer sends before leaving.
type ChatFrame struct {
	Body   string
	Bye    bool
	SentAt int64
}

func (ChatFrame) Type() MessageType { return MsgChat }
