package login

// This file contains various functions to write a particular message to the client
// as well as some model structures.

import (
	"github.com/pkg/errors"

	tnet "badc0de.net/pkg/go-otserv/net"
)

// World is a game world presented on the character list.
type World struct {
	ID   byte
	Name string
	// Host is sent as text; clients resolve it themselves.
	Host    string
	Port    uint16
	Preview bool
}

// CharacterListEntry represents a single character presented on the character list.
type CharacterListEntry struct {
	WorldID byte
	Name    string
}

func checkOverrun(w *tnet.OutputMessage, what string) error {
	if w.Overrun() {
		return errors.Wrapf(tnet.ErrFraming, "%s does not fit the message", what)
	}
	return nil
}

func errorOpcode(version uint16) byte {
	if version >= 1076 {
		return 0x0B
	}
	return 0x0A
}

// Error writes a login error network message to the passed message.
//
// Clients since 10.76 expect opcode 0x0B; older ones 0x0A.
func Error(w *tnet.OutputMessage, version uint16, errorText string) error {
	w.AddByte(errorOpcode(version))
	w.AddString(errorText)
	return checkOverrun(w, "error text")
}

// MOTD writes the message-of-the-day network message to the passed message.
//
// The motdText should begin with ascii-encoded decimal number identifying the
// sequence number of the MOTD, followed by a newline. The number is used by
// the client to avoid bothering the user with the same message that was
// already seen.
func MOTD(w *tnet.OutputMessage, motdText string) error {
	w.AddByte(0x14)
	w.AddString(motdText)
	return checkOverrun(w, "motd")
}

// SessionKey writes the session key the client presents to the game
// world: account, password, token and a 30 second time slot, newline
// separated.
func SessionKey(w *tnet.OutputMessage, key string) error {
	w.AddByte(0x28)
	w.AddString(key)
	return checkOverrun(w, "session key")
}

// CharacterList writes the worlds and the characters on them.
func CharacterList(w *tnet.OutputMessage, worlds []World, chars []CharacterListEntry) error {
	if len(worlds) > 255 || len(chars) > 255 {
		return errors.Errorf("%d worlds and %d characters do not fit the character list", len(worlds), len(chars))
	}
	w.AddByte(0x64)

	w.AddByte(byte(len(worlds)))
	for _, world := range worlds {
		w.AddByte(world.ID)
		w.AddString(world.Name)
		w.AddString(world.Host)
		w.AddU16(world.Port)
		if world.Preview {
			w.AddByte(1)
		} else {
			w.AddByte(0)
		}
	}

	w.AddByte(byte(len(chars)))
	for _, char := range chars {
		w.AddByte(char.WorldID)
		w.AddString(char.Name)
	}
	return checkOverrun(w, "character list")
}

// Premium writes the account status block which follows the character
// list. premiumEnd is a unix timestamp, 0 for no end.
func Premium(w *tnet.OutputMessage, premium bool, premiumEnd uint32) error {
	// account status: ok
	w.AddByte(0)
	if premium {
		w.AddByte(1)
	} else {
		w.AddByte(0)
	}
	w.AddU32(premiumEnd)
	return checkOverrun(w, "premium block")
}
