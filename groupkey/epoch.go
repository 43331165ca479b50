// Package groupkey maintains the current and historical symmetric unsealing
// keys shared by the validator enclave group, rotating them on membership
// change with forward secrecy in both directions.
package groupkey

import (
	"bytes"
	"sort"

	"github.com/jimmyyip-crypto/chain/shared"
)

// KeySize is the size of an epoch unsealing key.
const KeySize = 32

// Member identifies an enclave in the group by its attested measurement.
type Member [shared.MeasurementSize]byte

// Epoch is one entry in the append-only group key log. Previous epochs stay
// readable so transactions sealed under them remain decryptable, but only
// the current epoch's key participates in new group-management operations.
type Epoch struct {
	Number  uint64        `cbor:"1,keyasint"`
	Members []Member      `cbor:"2,keyasint"`
	Key     [KeySize]byte `cbor:"3,keyasint"`
}

// HasMember reports whether m belongs to this epoch's member set.
func (e *Epoch) HasMember(m Member) bool {
	for _, member := range e.Members {
		if member == m {
			return true
		}
	}
	return false
}

// normalizeMembers sorts and deduplicates a member set so membership hashes
// are order-independent.
func normalizeMembers(members []Member) []Member {
	out := make([]Member, 0, len(members))
	seen := make(map[Member]struct{}, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
