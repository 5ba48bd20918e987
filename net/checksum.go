package net

import (
	"hash/adler32"
)

// Adler32 returns the Adler-32 checksum of b. It only detects corruption;
// it does not protect against tampering.
func Adler32(b []byte) uint32 {
	return adler32.Checksum(b)
}
