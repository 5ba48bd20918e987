package connection

import (
	tnet "badc0de.net/pkg/go-otserv/net"
)

// Protocol is what a Connection hands its frames to.
//
// OnRecvFirstMessage and OnRecvMessage are called from the connection's
// read loop with the connection's routing lock held, and must not wait on
// another connection or on persistence. OnSendMessage is called on every
// outbound message before it is queued, and finishes the framing.
type Protocol interface {
	OnConnect()
	OnRecvFirstMessage(msg *tnet.Message)
	OnRecvMessage(msg *tnet.Message)
	OnSendMessage(msg *tnet.OutputMessage) error

	// Disconnect closes the underlying connection, if it is still alive.
	Disconnect()
	// IP returns the remote IPv4 address, or 0.
	IP() uint32
	// Name is a short protocol family name used in logs and traces.
	Name() string
}
