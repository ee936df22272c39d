package airdrop

import (
	"fmt"

	"github.com/tolelom/dropchain/crypto"
)

// Identity is an authenticated caller. The host verifies the caller's
// signature before building one; this package only compares identities.
type Identity struct {
	key string
}

// NewIdentity wraps a hex-encoded ed25519 public key.
func NewIdentity(pubHex string) (Identity, error) {
	if _, err := crypto.PubKeyFromHex(pubHex); err != nil {
		return Identity{}, fmt.Errorf("identity: %w", err)
	}
	return Identity{key: pubHex}, nil
}

// String returns the public key hex.
func (id Identity) String() string { return id.key }

// IsZero reports whether id was never set.
func (id Identity) IsZero() bool { return id.key == "" }

// Is reports whether id is the identity stored as addr.
func (id Identity) Is(addr string) bool {
	return id.key != "" && id.key == addr
}
