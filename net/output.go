package net

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// OutputMessage is a Message which grows headers backwards.
//
// The body is written first through the embedded Message. Headers are then
// prepended in front of it, most recent first, so the final wire buffer read
// from OutputBuffer is [length][checksum?][body] without ever moving the body.
type OutputMessage struct {
	Message

	outputBufferStart int
}

// NewOutputMessage returns an empty output message.
func NewOutputMessage() *OutputMessage {
	return &OutputMessage{
		Message:           Message{position: InitialBufferPosition},
		outputBufferStart: InitialBufferPosition,
	}
}

// OutputBuffer returns the bytes to be put on the wire: all prepended
// headers followed by the body.
func (o *OutputMessage) OutputBuffer() []byte {
	return o.buffer[o.outputBufferStart : o.outputBufferStart+o.length]
}

func (o *OutputMessage) addHeader(b []byte) error {
	if o.outputBufferStart < len(b) {
		return errors.Wrapf(ErrFraming, "no room for a %d byte header (start %d)", len(b), o.outputBufferStart)
	}
	o.outputBufferStart -= len(b)
	copy(o.buffer[o.outputBufferStart:], b)
	o.length += len(b)
	return nil
}

func (o *OutputMessage) addHeaderU16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return o.addHeader(b[:])
}

func (o *OutputMessage) addHeaderU32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return o.addHeader(b[:])
}

// WriteMessageLength prepends the current length as a uint16.
func (o *OutputMessage) WriteMessageLength() error {
	return o.addHeaderU16(uint16(o.length))
}

// AddCryptoHeader prepends the Adler-32 checksum of everything written so
// far (if withChecksum is set), and then the total length.
func (o *OutputMessage) AddCryptoHeader(withChecksum bool) error {
	if withChecksum {
		if err := o.addHeaderU32(Adler32(o.OutputBuffer())); err != nil {
			return err
		}
	}
	return o.WriteMessageLength()
}

// Append copies the body of msg to the end of this message.
func (o *OutputMessage) Append(msg *Message) {
	o.AddBytes(msg.Body())
}
