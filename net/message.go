package net

import (
	"encoding/binary"
	"io"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	// MaxSize is the capacity of a single message buffer.
	MaxSize = 24590

	// InitialBufferPosition is where the body starts. Bytes before it are
	// reserved for headers written backwards by OutputMessage.
	InitialBufferPosition = 8

	HeaderLength   = 2
	ChecksumLength = 4
	XTEAMultiple   = 8

	MaxBodyLength         = MaxSize - HeaderLength - ChecksumLength - XTEAMultiple
	MaxProtocolBodyLength = MaxBodyLength - 10

	// MaxStringLength is the longest string AddString will write.
	MaxStringLength = 8192

	// paddingByte fills the gap up to the next XTEA block.
	paddingByte = 0x33
)

// Message is a fixed capacity buffer with a cursor.
//
// Every read and write is bounds checked. A read past the end, or a write
// which would encroach on the reserved trailer space, sets the overrun flag
// and yields the type's zero value instead of failing. Callers check
// Overrun() once after parsing a whole structure.
//
// The body always begins at InitialBufferPosition. Length is the number of
// body bytes; positions returned by BufferPosition are absolute offsets into
// the buffer.
type Message struct {
	length   int
	position int
	overrun  bool

	buffer [MaxSize]byte
}

// NewMessage returns an empty message with the cursor at the start of the body.
func NewMessage() *Message {
	return &Message{position: InitialBufferPosition}
}

// ReadMessage reads a single frame: a little-endian uint16 length followed by
// that many bytes of body. The returned message has its cursor at the first
// body byte (the checksum, if any).
//
// A clean EOF before the first header byte is returned as io.EOF. Anything
// else that goes wrong is an ErrFraming.
func ReadMessage(r io.Reader) (*Message, error) {
	msg := NewMessage()

	header := msg.buffer[InitialBufferPosition-HeaderLength : InitialBufferPosition]
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrapf(ErrFraming, "message len read error: %s", err)
	}

	size := int(binary.LittleEndian.Uint16(header))
	glog.V(3).Infof("incoming message len: %d", size)

	if size == 0 || size >= MaxSize-16 {
		return nil, errors.Wrapf(ErrFraming, "garbled message len %d", size)
	}

	body := msg.buffer[InitialBufferPosition : InitialBufferPosition+size]
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrapf(ErrFraming, "message read error: %s", err)
	}
	msg.length = size
	return msg, nil
}

// LoadBody replaces the contents of the message with body and rewinds the cursor.
func (msg *Message) LoadBody(body []byte) error {
	if len(body) > MaxSize-InitialBufferPosition {
		return errors.Wrapf(ErrFraming, "body of %d bytes does not fit", len(body))
	}
	msg.Reset()
	copy(msg.buffer[InitialBufferPosition:], body)
	msg.length = len(body)
	return nil
}

// Reset empties the message.
func (msg *Message) Reset() {
	msg.length = 0
	msg.position = InitialBufferPosition
	msg.overrun = false
}

// Length returns the number of bytes in the message.
func (msg *Message) Length() int { return msg.length }

// SetLength sets the number of valid body bytes.
func (msg *Message) SetLength(n int) { msg.length = n }

// BufferPosition returns the absolute cursor offset into the buffer.
func (msg *Message) BufferPosition() int { return msg.position }

// Remaining returns the number of unread bytes.
func (msg *Message) Remaining() int {
	return InitialBufferPosition + msg.length - msg.position
}

// Overrun reports whether any read or write went out of bounds.
func (msg *Message) Overrun() bool { return msg.overrun }

// Buffer returns the whole backing array. It is used for in-place crypto.
func (msg *Message) Buffer() []byte { return msg.buffer[:] }

// Body returns the valid body bytes.
func (msg *Message) Body() []byte {
	return msg.buffer[InitialBufferPosition : InitialBufferPosition+msg.length]
}

// SetBufferPosition moves the cursor to pos bytes past the body start.
func (msg *Message) SetBufferPosition(pos int) bool {
	if pos < 0 || pos >= MaxSize-InitialBufferPosition {
		return false
	}
	msg.position = pos + InitialBufferPosition
	return true
}

// SkipBytes moves the cursor by n bytes, backwards if n is negative.
func (msg *Message) SkipBytes(n int) {
	pos := msg.position + n
	if pos < 0 || pos > MaxSize {
		msg.overrun = true
		return
	}
	msg.position = pos
}

func (msg *Message) canRead(n int) bool {
	if n < 0 || msg.position+n > msg.length+InitialBufferPosition || n >= MaxSize-msg.position {
		msg.overrun = true
		return false
	}
	return true
}

func (msg *Message) canAdd(n int) bool {
	return n+msg.position < MaxBodyLength
}

// ReadChecksum consumes the 4 byte Adler-32 checksum at the cursor if it
// matches the rest of the body. When it does not match, the frame is treated
// as one without a checksum and the cursor is left where it was.
func (msg *Message) ReadChecksum() bool {
	if msg.Remaining() < ChecksumLength {
		return false
	}
	start := msg.position + ChecksumLength
	want := Adler32(msg.buffer[start : InitialBufferPosition+msg.length])
	if got := msg.GetU32(); got != want {
		glog.V(2).Infof("checksum mismatch (got %08x, want %08x); assuming no checksum", got, want)
		msg.SkipBytes(-ChecksumLength)
		return false
	}
	return true
}

// GetByte reads a single byte.
func (msg *Message) GetByte() byte {
	if !msg.canRead(1) {
		return 0
	}
	b := msg.buffer[msg.position]
	msg.position++
	return b
}

// GetPreviousByte steps the cursor back by one and returns the byte there.
func (msg *Message) GetPreviousByte() byte {
	if msg.position <= InitialBufferPosition {
		msg.overrun = true
		return 0
	}
	msg.position--
	return msg.buffer[msg.position]
}

// GetU16 reads a little-endian uint16.
func (msg *Message) GetU16() uint16 {
	if !msg.canRead(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(msg.buffer[msg.position:])
	msg.position += 2
	return v
}

// GetU32 reads a little-endian uint32.
func (msg *Message) GetU32() uint32 {
	if !msg.canRead(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(msg.buffer[msg.position:])
	msg.position += 4
	return v
}

// GetU64 reads a little-endian uint64.
func (msg *Message) GetU64() uint64 {
	if !msg.canRead(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(msg.buffer[msg.position:])
	msg.position += 8
	return v
}

// GetBytes reads n raw bytes into a new slice.
func (msg *Message) GetBytes(n int) []byte {
	if !msg.canRead(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, msg.buffer[msg.position:])
	msg.position += n
	return b
}

// GetString reads a length-prefixed string.
func (msg *Message) GetString() string {
	n := int(msg.GetU16())
	if !msg.canRead(n) {
		return ""
	}
	s := string(msg.buffer[msg.position : msg.position+n])
	msg.position += n
	return s
}

func (msg *Message) grow(n int) {
	msg.position += n
	msg.length += n
}

// AddByte appends a single byte.
func (msg *Message) AddByte(v byte) {
	if !msg.canAdd(1) {
		msg.overrun = true
		return
	}
	msg.buffer[msg.position] = v
	msg.grow(1)
}

// AddU16 appends a little-endian uint16.
func (msg *Message) AddU16(v uint16) {
	if !msg.canAdd(2) {
		msg.overrun = true
		return
	}
	binary.LittleEndian.PutUint16(msg.buffer[msg.position:], v)
	msg.grow(2)
}

// AddU32 appends a little-endian uint32.
func (msg *Message) AddU32(v uint32) {
	if !msg.canAdd(4) {
		msg.overrun = true
		return
	}
	binary.LittleEndian.PutUint32(msg.buffer[msg.position:], v)
	msg.grow(4)
}

// AddU64 appends a little-endian uint64.
func (msg *Message) AddU64(v uint64) {
	if !msg.canAdd(8) {
		msg.overrun = true
		return
	}
	binary.LittleEndian.PutUint64(msg.buffer[msg.position:], v)
	msg.grow(8)
}

// AddBytes appends raw bytes.
func (msg *Message) AddBytes(b []byte) {
	if !msg.canAdd(len(b)) {
		msg.overrun = true
		return
	}
	copy(msg.buffer[msg.position:], b)
	msg.grow(len(b))
}

// AddPaddingBytes appends n filler bytes.
func (msg *Message) AddPaddingBytes(n int) {
	if n < 0 || !msg.canAdd(n) {
		msg.overrun = true
		return
	}
	for i := 0; i < n; i++ {
		msg.buffer[msg.position+i] = paddingByte
	}
	msg.grow(n)
}

// AddString appends a length-prefixed string. Strings longer than
// MaxStringLength are not written.
func (msg *Message) AddString(s string) {
	if len(s) > MaxStringLength || !msg.canAdd(len(s)+2) {
		msg.overrun = true
		return
	}
	msg.AddU16(uint16(len(s)))
	copy(msg.buffer[msg.position:], s)
	msg.grow(len(s))
}
