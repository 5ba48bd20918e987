package login

import (
	"crypto/rsa"
	"testing"

	"github.com/go-test/deep"
	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/go-otserv/net"
	"badc0de.net/pkg/go-otserv/secrets"
)

func testKey(t *testing.T) (*rsa.PrivateKey, *tnet.RSA) {
	t.Helper()
	pk, err := secrets.OpenTibiaKey()
	if err != nil {
		t.Fatalf("failed to build key: %v", err)
	}
	return pk, tnet.NewRSA(pk)
}

// rsaBlock builds a 128 byte block the way a client does: a lead byte,
// the payload written by fill, zero padding, then raw RSA.
func rsaBlock(t *testing.T, pub *rsa.PublicKey, lead byte, fill func(m *tnet.Message)) []byte {
	t.Helper()
	m := tnet.NewMessage()
	m.AddByte(lead)
	fill(m)
	m.AddBytes(make([]byte, tnet.RSABlockLength-m.Length()))
	b := append([]byte(nil), m.Body()...)
	if err := secrets.RawEncrypt(pub, b); err != nil {
		t.Fatalf("failed to encrypt block: %v", err)
	}
	return b
}

type clientLogin struct {
	version  uint16
	key      tnet.XTEAKey
	account  string
	password string
	token    string

	lead    byte
	noToken bool
}

func defaultLogin() clientLogin {
	return clientLogin{
		version:  1098,
		key:      tnet.XTEAKey{0x11111111, 0x22222222, 0x33333333, 0x44444444},
		account:  "alice",
		password: "secret",
		token:    "123456",
	}
}

// body returns a first frame body without the protocol identifier.
func (cl clientLogin) body(t *testing.T, pub *rsa.PublicKey) []byte {
	t.Helper()
	m := tnet.NewMessage()
	m.AddU16(2) // os
	m.AddU16(cl.version)
	if cl.version >= 971 {
		m.AddBytes(make([]byte, 17))
	} else {
		m.AddBytes(make([]byte, 12))
	}
	m.AddBytes(rsaBlock(t, pub, cl.lead, func(b *tnet.Message) {
		for _, w := range cl.key {
			b.AddU32(w)
		}
		b.AddString(cl.account)
		b.AddString(cl.password)
	}))
	if !cl.noToken {
		// hardware specification
		m.AddBytes(make([]byte, 47))
		m.AddBytes(rsaBlock(t, pub, 0, func(b *tnet.Message) {
			b.AddString(cl.token)
			b.AddByte(1) // stay logged in
		}))
	}
	return append([]byte(nil), m.Body()...)
}

func parse(t *testing.T, body []byte, dec Decrypter) (*Handshake, error) {
	t.Helper()
	msg := tnet.NewMessage()
	if err := msg.LoadBody(body); err != nil {
		t.Fatalf("failed to load body: %v", err)
	}
	return ParseHandshake(msg, dec)
}

func TestParseHandshake(t *testing.T) {
	pk, r := testKey(t)
	cl := defaultLogin()
	cl.version = 1097

	hs, err := parse(t, cl.body(t, &pk.PublicKey), r)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	want := &Handshake{
		OS:          2,
		Version:     1097,
		XTEAKey:     cl.key,
		AccountName: "alice",
		Password:    "secret",
		AuthToken:   "123456",
	}
	if diff := deep.Equal(hs, want); diff != nil {
		t.Error(diff)
	}
}

func TestParseHandshakeFailures(t *testing.T) {
	pk, r := testKey(t)

	tests := []struct {
		name       string
		body       func() []byte
		wantReason string
		wantErr    error
	}{
		{
			name: "unsupported version",
			body: func() []byte {
				cl := defaultLogin()
				cl.version = 1000
				return cl.body(t, &pk.PublicKey)
			},
			wantReason: reasonBadVersion,
			wantErr:    tnet.ErrProtocolViolation,
		},
		{
			name: "empty account name",
			body: func() []byte {
				cl := defaultLogin()
				cl.account = ""
				return cl.body(t, &pk.PublicKey)
			},
			wantReason: reasonBadAccountName,
			wantErr:    tnet.ErrProtocolViolation,
		},
		{
			name: "empty password",
			body: func() []byte {
				cl := defaultLogin()
				cl.password = ""
				return cl.body(t, &pk.PublicKey)
			},
			wantReason: reasonBadPassword,
			wantErr:    tnet.ErrProtocolViolation,
		},
		{
			name: "bad rsa plaintext",
			body: func() []byte {
				cl := defaultLogin()
				cl.lead = 5
				return cl.body(t, &pk.PublicKey)
			},
			wantReason: reasonBadPacket,
			wantErr:    tnet.ErrCrypto,
		},
		{
			name: "missing token block",
			body: func() []byte {
				cl := defaultLogin()
				cl.noToken = true
				return cl.body(t, &pk.PublicKey)
			},
			wantReason: reasonBadToken,
			wantErr:    tnet.ErrFraming,
		},
		{
			name: "truncated",
			body: func() []byte {
				return defaultLogin().body(t, &pk.PublicKey)[:100]
			},
			wantReason: reasonBadPacket,
			wantErr:    tnet.ErrCrypto,
		},
		{
			name:       "empty",
			body:       func() []byte { return nil },
			wantReason: reasonBadPacket,
			wantErr:    tnet.ErrFraming,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hs, err := parse(t, tc.body(), r)
			if err == nil {
				t.Fatalf("parsed %+v; want an error", hs)
			}
			var f *Failure
			if !errors.As(err, &f) {
				t.Fatalf("error %v is not a *Failure", err)
			}
			if f.Reason != tc.wantReason {
				t.Errorf("reason = %q; want %q", f.Reason, tc.wantReason)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("error %v does not wrap %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseHandshakeNoKey(t *testing.T) {
	pk, _ := testKey(t)
	_, err := parse(t, defaultLogin().body(t, &pk.PublicKey), tnet.NewRSA(nil))
	if !errors.Is(err, tnet.ErrKeyNotLoaded) {
		t.Errorf("got %v; want ErrKeyNotLoaded", err)
	}
}
