package viewfilter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/sha3"

	"github.com/jimmyyip-crypto/chain/shared"
)

const (
	// DefaultFalsePositiveRate is used when the caller passes a rate of
	// zero or out of range.
	DefaultFalsePositiveRate = 0.01

	minFilterBits = 64
)

var ErrCorruptFilter = errors.New("corrupt block filter")

// BlockFilter is a Bloom filter over the view tags of one block. Its
// construction is fully deterministic: two honest builders given the same
// block id, tag set and rate produce bit-identical filters, whatever order
// the tags arrive in.
type BlockFilter struct {
	blockID [32]byte
	m       uint64 // filter size in bits
	k       uint32 // hash functions
	n       uint64 // distinct tags inserted
	bits    *bitset.BitSet
}

type filterWire struct {
	BlockID [32]byte `cbor:"1,keyasint"`
	M       uint64   `cbor:"2,keyasint"`
	K       uint32   `cbor:"3,keyasint"`
	N       uint64   `cbor:"4,keyasint"`
	Bits    []byte   `cbor:"5,keyasint"`
}

// Build constructs the filter for blockID over tags at the target false
// positive rate. Duplicate tags are counted once so the parameters, and
// therefore the bits, do not depend on how callers batch insertions.
func Build(blockID [32]byte, tags []ViewTag, falsePositiveRate float64) *BlockFilter {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}

	distinct := make(map[ViewTag]struct{}, len(tags))
	for _, tag := range tags {
		distinct[tag] = struct{}{}
	}
	n := uint64(len(distinct))

	m, k := filterParams(n, falsePositiveRate)
	f := &BlockFilter{
		blockID: blockID,
		m:       m,
		k:       k,
		n:       n,
		bits:    bitset.New(uint(m)),
	}
	for tag := range distinct {
		h1, h2 := f.tagHashes(tag)
		for i := uint32(0); i < f.k; i++ {
			f.bits.Set(uint((h1 + uint64(i)*h2) % f.m))
		}
	}
	return f
}

// filterParams computes the classic Bloom sizing for n entries at rate p:
// m = -n ln p / (ln 2)^2 bits and k = (m/n) ln 2 hash functions.
func filterParams(n uint64, p float64) (uint64, uint32) {
	if n == 0 {
		return minFilterBits, 1
	}
	ln2 := math.Ln2
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if m < minFilterBits {
		m = minFilterBits
	}
	k := uint32(math.Round(float64(m) / float64(n) * ln2))
	if k < 1 {
		k = 1
	}
	return m, k
}

// tagHashes derives the two base hashes for double hashing, bound to the
// block id so the same tag lights different bits in different blocks.
func (f *BlockFilter) tagHashes(tag ViewTag) (uint64, uint64) {
	h := sha3.New256()
	h.Write(f.blockID[:])
	h.Write(tag[:])
	sum := h.Sum(nil)

	h1 := binary.BigEndian.Uint64(sum[:8])
	h2 := binary.BigEndian.Uint64(sum[8:16]) | 1 // force odd so the probe sequence covers the filter
	return h1, h2
}

// Test reports whether tag may have been inserted. False positives occur at
// the configured rate; false negatives never.
func (f *BlockFilter) Test(tag ViewTag) bool {
	h1, h2 := f.tagHashes(tag)
	for i := uint32(0); i < f.k; i++ {
		if !f.bits.Test(uint((h1 + uint64(i)*h2) % f.m)) {
			return false
		}
	}
	return true
}

// BlockID returns the block this filter covers.
func (f *BlockFilter) BlockID() [32]byte { return f.blockID }

// Count returns the number of distinct tags inserted.
func (f *BlockFilter) Count() uint64 { return f.n }

// Marshal encodes the filter for transfer to wallets.
func (f *BlockFilter) Marshal() ([]byte, error) {
	bits, err := f.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter bits: %w", err)
	}
	return shared.MarshalCanonical(&filterWire{
		BlockID: f.blockID,
		M:       f.m,
		K:       f.k,
		N:       f.n,
		Bits:    bits,
	})
}

// UnmarshalFilter decodes a filter produced by Marshal.
func UnmarshalFilter(data []byte) (*BlockFilter, error) {
	var w filterWire
	if err := shared.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFilter, err)
	}
	if w.M == 0 || w.K == 0 {
		return nil, fmt.Errorf("%w: zero parameters", ErrCorruptFilter)
	}
	bits := bitset.New(uint(w.M))
	if err := bits.UnmarshalBinary(w.Bits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFilter, err)
	}
	return &BlockFilter{
		blockID: w.BlockID,
		m:       w.M,
		k:       w.K,
		n:       w.N,
		bits:    bits,
	}, nil
}
