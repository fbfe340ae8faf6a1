package node

import (
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

// ChatStarter takes over once a handshake is accepted.
type ChatStarter interface {
	// StartChat is called on the loop. The returned receiver gets every
	// chat frame from the peer until the link closes; nil refuses the chat.
	StartChat(link Link) ChatReceiver
}

// ChatReceiver is called on the loop.
type ChatReceiver interface {
	Deliver(data []byte)
	SendFailed(job transport.JobID, err error)
	// LinkClosed is called once the node stops routing frames to the
	// receiver.
	LinkClosed()
}

// Link is a chat session's handle on the node. Its methods may be called
// from any goroutine.
type Link struct {
	Peer peer.Peer

	node *Node
}

func (l Link) Send(data []byte) transport.JobID {
	return l.node.transport.Send(data, l.Peer.ID)
}

// Close stops routing frames from the peer. The receiver sees LinkClosed.
func (l Link) Close() {
	l.node.loop.Post(func() { l.node.endChat(l.Peer.ID) })
}
