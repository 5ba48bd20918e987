// Package net implements network communication primitives for the login and gameworld protocol.
//
// This includes a message (a single communications block sent by client or server),
// the output framer which prepends the length and checksum headers, and the
// encryption primitives (RSA, XTEA) and Adler-32 checksum used on the wire.
//
// All multi-byte integers on the wire are little-endian. Strings are a
// little-endian uint16 length followed by the raw bytes.
package net
