package net

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"math/big"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// RSABlockLength is the size of an RSA encrypted block on the wire.
const RSABlockLength = 128

// RSA decrypts 128 byte blocks with the server's private key.
//
// Decryption is raw modular exponentiation with no padding scheme; the
// protocol defines how the plaintext is laid out. One RSA value is created
// at startup and shared by every protocol that needs it.
type RSA struct {
	mu  sync.RWMutex
	key *rsa.PrivateKey
}

// NewRSA returns a decrypter using pk. pk may be nil, in which case a key has
// to be loaded before Decrypt succeeds.
func NewRSA(pk *rsa.PrivateKey) *RSA {
	r := &RSA{}
	if pk != nil {
		r.SetKey(pk)
	}
	return r
}

// SetKey replaces the private key.
func (r *RSA) SetKey(pk *rsa.PrivateKey) {
	pk.Precompute()
	r.mu.Lock()
	r.key = pk
	r.mu.Unlock()
}

// Loaded reports whether a key is present.
func (r *RSA) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.key != nil
}

// LoadPEMFile loads a PKCS#1 PEM encoded private key from path.
func (r *RSA) LoadPEMFile(path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading rsa key %q", path)
	}
	if err := r.LoadPEM(b); err != nil {
		return errors.Wrapf(err, "loading rsa key %q", path)
	}
	glog.Infof("loaded rsa key from %s", path)
	return nil
}

// LoadPEM loads a PKCS#1 PEM encoded private key.
func (r *RSA) LoadPEM(b []byte) error {
	block, _ := pem.Decode(b)
	if block == nil {
		return errors.Wrap(ErrCrypto, "no PEM block found")
	}
	if block.Type != "RSA PRIVATE KEY" {
		return errors.Wrapf(ErrCrypto, "PEM block type = %q; want \"RSA PRIVATE KEY\"", block.Type)
	}
	pk, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return Classify(ErrCrypto, err)
	}
	if pk.Size() != RSABlockLength {
		return errors.Wrapf(ErrCrypto, "rsa key size = %d bytes; want %d", pk.Size(), RSABlockLength)
	}
	r.SetKey(pk)
	return nil
}

// Decrypt decrypts block in place. block must be exactly RSABlockLength bytes.
func (r *RSA) Decrypt(block []byte) error {
	if len(block) != RSABlockLength {
		return errors.Wrapf(ErrBlockSize, "rsa encrypted block size = %d; want %d", len(block), RSABlockLength)
	}

	r.mu.RLock()
	pk := r.key
	r.mu.RUnlock()
	if pk == nil {
		return ErrKeyNotLoaded
	}
	if pk.Size() != RSABlockLength {
		return errors.Wrapf(ErrCrypto, "rsa key size = %d bytes; want %d", pk.Size(), RSABlockLength)
	}

	// The exported functions in crypto/rsa all expect a padding scheme, so
	// the exponentiation is done directly.
	c := new(big.Int).SetBytes(block)
	if c.Cmp(pk.N) >= 0 {
		return errors.Wrap(ErrCrypto, "rsa: ciphertext out of range")
	}
	m := new(big.Int).Exp(c, pk.D, pk.N)
	m.FillBytes(block)
	return nil
}
