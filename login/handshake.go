package login

import (
	"fmt"

	"github.com/bradfitz/iter"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/go-otserv/net"
)

const (
	// ProtocolIdentifier is the first byte of a login connection's first frame.
	ProtocolIdentifier = 0x01

	ClientVersionMin    = 1097
	ClientVersionMax    = 1098
	ClientVersionString = "10.98"
)

// Texts shown to the client when a login fails.
const (
	reasonBadVersion     = "Only clients with protocol " + ClientVersionString + " allowed!"
	reasonBadAccountName = "Invalid account name."
	reasonBadPassword    = "Invalid password."
	reasonBadToken       = "Invalid authentication token."
	reasonBadPacket      = "Invalid login packet."
	reasonBadCredentials = "Account name or password is not correct."
	reasonInternal       = "Internal error, please try again later."
)

// Handshake is everything a client sends in its first login frame.
type Handshake struct {
	OS          uint16
	Version     uint16
	XTEAKey     tnet.XTEAKey
	AccountName string
	Password    string
	AuthToken   string
}

// Failure is a handshake error together with the text the client gets to
// see.
type Failure struct {
	Reason string
	// Version is the client version, if it was read, so the error can be
	// sent with the opcode that client understands.
	Version uint16
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("login failed (%s): %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Cause() error { return f.Err }

// Decrypter decrypts one RSA block in place.
type Decrypter interface {
	Decrypt(block []byte) error
}

// rsaDecrypt decrypts the RSA block at the cursor and consumes the zero byte
// every valid plaintext starts with.
func rsaDecrypt(msg *tnet.Message, dec Decrypter) error {
	if msg.Remaining() < tnet.RSABlockLength {
		return errors.Wrapf(tnet.ErrBlockSize, "%d bytes left for a %d byte rsa block", msg.Remaining(), tnet.RSABlockLength)
	}
	pos := msg.BufferPosition()
	if err := dec.Decrypt(msg.Buffer()[pos : pos+tnet.RSABlockLength]); err != nil {
		return err
	}
	if b := msg.GetByte(); b != 0 {
		return errors.Wrapf(tnet.ErrCrypto, "rsa plaintext starts with %#02x", b)
	}
	return nil
}

// ParseHandshake decodes a login first frame. msg must be positioned just
// past the protocol identifier. Any failure is a *Failure.
func ParseHandshake(msg *tnet.Message, dec Decrypter) (*Handshake, error) {
	hs := &Handshake{}
	fail := func(reason string, err error) (*Handshake, error) {
		return nil, &Failure{Reason: reason, Version: hs.Version, Err: err}
	}

	hs.OS = msg.GetU16()
	hs.Version = msg.GetU16()
	if msg.Overrun() {
		return fail(reasonBadPacket, errors.Wrap(tnet.ErrFraming, "short login header"))
	}

	// client version, dat, spr and pic signatures, and from 9.71 on a
	// preview state byte
	if hs.Version >= 971 {
		msg.SkipBytes(17)
	} else {
		msg.SkipBytes(12)
	}

	if err := rsaDecrypt(msg, dec); err != nil {
		return fail(reasonBadPacket, errors.Wrap(err, "first rsa block"))
	}

	for i := range iter.N(len(hs.XTEAKey)) {
		hs.XTEAKey[i] = msg.GetU32()
	}

	if hs.Version < ClientVersionMin || hs.Version > ClientVersionMax {
		return fail(reasonBadVersion, errors.Wrapf(tnet.ErrProtocolViolation, "client version %d", hs.Version))
	}

	hs.AccountName = msg.GetString()
	if hs.AccountName == "" {
		return fail(reasonBadAccountName, errors.Wrap(tnet.ErrProtocolViolation, "empty account name"))
	}
	hs.Password = msg.GetString()
	if hs.Password == "" {
		return fail(reasonBadPassword, errors.Wrap(tnet.ErrProtocolViolation, "empty password"))
	}

	// The token block is always the last 128 bytes of the frame, whatever
	// the client put in between.
	tail := tnet.InitialBufferPosition + msg.Length() - tnet.RSABlockLength
	skip := tail - msg.BufferPosition()
	if skip < 0 {
		return fail(reasonBadToken, errors.Wrapf(tnet.ErrFraming, "token block overlaps the credentials by %d bytes", -skip))
	}
	msg.SkipBytes(skip)
	if err := rsaDecrypt(msg, dec); err != nil {
		return fail(reasonBadToken, errors.Wrap(err, "token rsa block"))
	}
	hs.AuthToken = msg.GetString()

	if msg.Overrun() {
		return fail(reasonBadPacket, errors.Wrap(tnet.ErrFraming, "login frame overrun"))
	}
	glog.V(2).Infof("handshake: os %d version %d account %q len(pwd) %d", hs.OS, hs.Version, hs.AccountName, len(hs.Password))
	return hs, nil
}
