package net

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/xtea"
)

// XTEAKey is the 128-bit session key as sent by the client: four
// little-endian uint32 words.
type XTEAKey [4]uint32

// XTEA is the session cipher. Blocks are 8 bytes and, unlike the x/crypto
// implementation, hold two little-endian words.
type XTEA struct {
	key    XTEAKey
	cipher *xtea.Cipher
}

// NewXTEA creates a cipher for key.
func NewXTEA(key XTEAKey) (*XTEA, error) {
	// XTEA in Go is bigendian-only. It treats the key as a single
	// 128-bit integer, stored as bigendian, and explodes it into
	// [4]uint32, so each word has to be laid out bigendian here.
	var k [16]byte
	for i, w := range key {
		binary.BigEndian.PutUint32(k[i*4:], w)
	}
	c, err := xtea.NewCipher(k[:])
	if err != nil {
		return nil, Classify(ErrCrypto, err)
	}
	return &XTEA{key: key, cipher: c}, nil
}

// Key returns the key the cipher was created with.
func (x *XTEA) Key() XTEAKey { return x.key }

// flip swaps the byte order of both words in an 8 byte block.
func flip(dst, src []byte) {
	binary.BigEndian.PutUint32(dst[0:], binary.LittleEndian.Uint32(src[0:]))
	binary.BigEndian.PutUint32(dst[4:], binary.LittleEndian.Uint32(src[4:]))
}

// Encrypt encrypts b in place. len(b) must be a multiple of 8.
func (x *XTEA) Encrypt(b []byte) error {
	if len(b)%XTEAMultiple != 0 {
		return errors.Wrapf(ErrBlockSize, "xtea: %d bytes is not a multiple of %d", len(b), XTEAMultiple)
	}
	var blk [8]byte
	for i := 0; i < len(b); i += XTEAMultiple {
		flip(blk[:], b[i:])
		x.cipher.Encrypt(blk[:], blk[:])
		flip(b[i:], blk[:])
	}
	return nil
}

// Decrypt decrypts b in place. len(b) must be a multiple of 8.
func (x *XTEA) Decrypt(b []byte) error {
	if len(b)%XTEAMultiple != 0 {
		return errors.Wrapf(ErrBlockSize, "xtea: %d bytes is not a multiple of %d", len(b), XTEAMultiple)
	}
	var blk [8]byte
	for i := 0; i < len(b); i += XTEAMultiple {
		flip(blk[:], b[i:])
		x.cipher.Decrypt(blk[:], blk[:])
		flip(b[i:], blk[:])
	}
	return nil
}
