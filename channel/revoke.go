package channel

import (
	"bytes"
	"crypto/sha256"

	"github.com/lnlab/lnode/lnutil"
)

// Revocation secrets come from a flat hash chain over the channel's seed.
// Revealing the secret for commitment n lets the peer punish a broadcast of
// state n; the hash commits to it ahead of time.

// RevSecret derives the revocation secret for one commitment index.
func RevSecret(seed [32]byte, idx uint64) [32]byte {
	h := sha256.New()
	h.Write(seed[:])
	h.Write(lnutil.U64tB(idx))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RevHash is the public commitment to a revocation secret.
func RevHash(secret [32]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// CheckRevSecret verifies a revealed secret against its published hash.
func CheckRevSecret(secret, hash [32]byte) bool {
	got := RevHash(secret)
	return bytes.Equal(got[:], hash[:])
}
