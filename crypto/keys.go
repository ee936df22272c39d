package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadSignature is returned by Verify when a signature does not match.
var ErrBadSignature = errors.New("signature verification failed")

// PrivateKey is an ed25519 private key. Its public half is the account
// identity on the ledger.
type PrivateKey []byte

// PublicKey is an ed25519 public key. Hex() is the form used as an account
// address and as an airdrop identity.
type PublicKey []byte

// GenerateKeyPair returns a fresh random key pair.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PrivateKey(priv), PublicKey(pub), nil
}

func (pub PublicKey) Hex() string { return hex.EncodeToString(pub) }

// Public returns the key's public half.
func (priv PrivateKey) Public() PublicKey {
	return PublicKey(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
}

// PubKeyFromHex parses an address back into a public key.
func PubKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if err := checkSize("pubkey", b, ed25519.PublicKeySize); err != nil {
		return nil, err
	}
	return PublicKey(b), nil
}

// PrivKeyFromBytes copies raw key material, as stored in a keystore.
func PrivKeyFromBytes(b []byte) (PrivateKey, error) {
	if err := checkSize("privkey", b, ed25519.PrivateKeySize); err != nil {
		return nil, err
	}
	return PrivateKey(append([]byte(nil), b...)), nil
}

func checkSize(what string, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%s must be %d bytes, got %d", what, want, len(b))
	}
	return nil
}

// Sign returns the hex signature of data. Transactions and blocks sign
// their hash string.
func Sign(priv PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(ed25519.PrivateKey(priv), data))
}

// Verify checks a hex signature produced by Sign.
func Verify(pub PublicKey, data []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return ErrBadSignature
	}
	return nil
}
