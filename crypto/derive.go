package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Namespaces for derived addresses.
const (
	NamespacePool    = "pool"
	NamespaceEscrow  = "escrow"
	NamespaceHolding = "holding"
	NamespaceCustody = "custody"
)

// DeriveAddress returns the deterministic 64-char hex address for namespace
// and seeds. Every part is length-prefixed before hashing, so ("ab","c") and
// ("a","bc") never share a preimage.
func DeriveAddress(namespace string, seeds ...string) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, part := range append([]string{namespace}, seeds...) {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(part)))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PoolAddress is the address of the singleton pool.
func PoolAddress() string { return DeriveAddress(NamespacePool) }

// EscrowAddress is the address of user's escrow record.
func EscrowAddress(user string) string { return DeriveAddress(NamespaceEscrow, user) }

// HoldingAddress is the account that holds user's allocation until withdrawal.
func HoldingAddress(user string) string { return DeriveAddress(NamespaceHolding, user) }

// CustodyAddress is the default custody account for a pool.
func CustodyAddress(pool string) string { return DeriveAddress(NamespaceCustody, pool) }
