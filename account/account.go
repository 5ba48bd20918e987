// Package account is the credential store consulted by the login protocol.
package account

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// Checker verifies a name and password pair. A wrong name or password is
// (false, nil); an error means the store itself could not answer.
type Checker interface {
	CheckAccount(ctx context.Context, name, password string) (bool, error)
}

// Listing is what the character list shows for an account.
type Listing struct {
	Characters    []string
	PremiumEndsAt time.Time
}

// CharacterLister is implemented by checkers which can also list an
// account's characters.
type CharacterLister interface {
	Characters(ctx context.Context, name string) (*Listing, error)
}

// HashPassword returns the lowercase hex SHA-1 digest stored for password.
func HashPassword(password string) string {
	sum := sha1.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

func passwordMatches(stored, password string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(HashPassword(password))) == 1
}
