// Package viewfilter builds and queries deterministic per-block probabilistic
// filters over transaction view-key tags. Wallets test the filter for their
// own tags before ever asking an enclave to decrypt anything.
package viewfilter

import (
	"golang.org/x/crypto/sha3"
)

// TagSize is the size of a view tag. Eight bytes keeps filters small while
// making accidental cross-wallet collisions within a block negligible.
const TagSize = 8

const tagLabel = "chain/v1 view tag"

// ViewTag marks one transaction output as addressed to one view key without
// identifying the key to anyone who does not hold it.
type ViewTag [TagSize]byte

// TagFor derives the view tag for an output addressed to viewPubKey inside
// transaction txID. Both the wallet and the validator can derive it; nobody
// else learns anything from it.
func TagFor(viewPubKey []byte, txID [32]byte) ViewTag {
	h := sha3.New256()
	h.Write([]byte(tagLabel))
	h.Write(viewPubKey)
	h.Write(txID[:])

	var tag ViewTag
	copy(tag[:], h.Sum(nil)[:TagSize])
	return tag
}
