package connection

import (
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/go-otserv/net"
)

// ProtocolBase carries the state every protocol family shares: the
// connection it belongs to, the session key and the framing toggles.
//
// It is meant to be embedded. It implements OnSendMessage, Disconnect and
// IP; the embedding protocol supplies the rest of Protocol.
type ProtocolBase struct {
	connID   ID
	registry *Registry
	ip       uint32

	mu                sync.Mutex
	key               *tnet.XTEA
	encryptionEnabled bool
	checksumEnabled   bool
	rawMessages       bool
}

func NewProtocolBase(c *Connection) *ProtocolBase {
	return &ProtocolBase{
		connID:          c.id,
		registry:        c.registry,
		ip:              c.ip,
		checksumEnabled: true,
	}
}

// Connection resolves the connection, if it is still alive. Callers must
// check the result every time; the connection may go away at any point.
func (b *ProtocolBase) Connection() (*Connection, bool) {
	if b.registry == nil {
		return nil, false
	}
	return b.registry.Lookup(b.connID)
}

func (b *ProtocolBase) ConnectionID() ID { return b.connID }

// SetXTEAKey installs the session key. It does not enable encryption.
func (b *ProtocolBase) SetXTEAKey(key tnet.XTEAKey) error {
	x, err := tnet.NewXTEA(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.key = x
	b.mu.Unlock()
	return nil
}

func (b *ProtocolBase) EnableXTEA() {
	b.mu.Lock()
	b.encryptionEnabled = true
	b.mu.Unlock()
}

func (b *ProtocolBase) DisableChecksum() {
	b.mu.Lock()
	b.checksumEnabled = false
	b.mu.Unlock()
}

// SetRawMessages makes outbound messages go out exactly as written.
func (b *ProtocolBase) SetRawMessages(raw bool) {
	b.mu.Lock()
	b.rawMessages = raw
	b.mu.Unlock()
}

func (b *ProtocolBase) settings() (key *tnet.XTEA, encrypt, checksum, raw bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key, b.encryptionEnabled, b.checksumEnabled, b.rawMessages
}

// OnSendMessage adds the headers (and, when enabled, XTEA encryption) to
// msg.
func (b *ProtocolBase) OnSendMessage(msg *tnet.OutputMessage) error {
	key, encrypt, checksum, raw := b.settings()
	if raw {
		return nil
	}
	if msg.Overrun() {
		return errors.Wrap(tnet.ErrFraming, "outbound message overran its buffer")
	}
	if !encrypt {
		return msg.AddCryptoHeader(checksum)
	}
	if key == nil {
		return errors.Wrap(tnet.ErrKeyNotLoaded, "xtea enabled without a key")
	}

	if err := msg.WriteMessageLength(); err != nil {
		return err
	}
	if pad := msg.Length() % tnet.XTEAMultiple; pad != 0 {
		msg.AddPaddingBytes(tnet.XTEAMultiple - pad)
		if msg.Overrun() {
			return errors.Wrap(tnet.ErrFraming, "no room for xtea padding")
		}
	}
	if err := key.Encrypt(msg.OutputBuffer()); err != nil {
		return err
	}
	return msg.AddCryptoHeader(checksum)
}

// DecryptMessage decrypts the rest of an inbound message in place and
// limits it to the inner length found inside.
func (b *ProtocolBase) DecryptMessage(msg *tnet.Message) error {
	key, _, _, _ := b.settings()
	if key == nil {
		return errors.Wrap(tnet.ErrKeyNotLoaded, "no xtea key")
	}
	start := msg.BufferPosition()
	n := msg.Remaining()
	if n <= 0 || n%tnet.XTEAMultiple != 0 {
		return errors.Wrapf(tnet.ErrBlockSize, "encrypted region of %d bytes", n)
	}
	if err := key.Decrypt(msg.Buffer()[start : start+n]); err != nil {
		return err
	}

	inner := int(msg.GetU16())
	if inner > msg.Remaining() {
		return errors.Wrapf(tnet.ErrFraming, "inner length %d exceeds %d decrypted bytes", inner, msg.Remaining())
	}
	msg.SetLength(msg.BufferPosition() - tnet.InitialBufferPosition + inner)
	return nil
}

// Disconnect closes the connection if it is still alive.
func (b *ProtocolBase) Disconnect() {
	if c, ok := b.Connection(); ok {
		glog.V(2).Infof("disconnecting connection %d", b.connID)
		c.Close()
	}
}

func (b *ProtocolBase) IP() uint32 { return b.ip }
