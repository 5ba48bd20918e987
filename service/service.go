// Package service binds listening ports and hands accepted sockets to
// protocols.
package service

import (
	"badc0de.net/pkg/go-otserv/connection"
)

// Service describes one protocol family and creates its per-connection
// Protocol.
type Service interface {
	ProtocolName() string
	// ProtocolIdentifier is the first byte of a connection's first frame.
	ProtocolIdentifier() byte
	// IsChecksummed services put an Adler-32 checksum on outbound frames.
	IsChecksummed() bool
	// ServerSendsFirst services talk before the client does, so they
	// cannot share a port with anything else.
	ServerSendsFirst() bool
	MakeProtocol(c *connection.Connection) connection.Protocol
}
