package viewfilter

import (
	"sync"
)

// Index holds the built filter for each recent block, keyed by height.
// Filters are derivable from chain data, so the index is memory-only;
// at most one build writes per block while query threads read freely.
type Index struct {
	mu      sync.RWMutex
	filters map[uint64]*BlockFilter
	fpRate  float64
}

// NewIndex creates an empty filter index. Filters built through it target
// fpRate false positives; a rate of zero or out of range selects
// DefaultFalsePositiveRate.
func NewIndex(fpRate float64) *Index {
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	return &Index{filters: make(map[uint64]*BlockFilter), fpRate: fpRate}
}

// Build constructs the filter for one block at the configured rate and
// registers it at the given height.
func (idx *Index) Build(height uint64, blockID [32]byte, tags []ViewTag) *BlockFilter {
	f := Build(blockID, tags, idx.fpRate)
	idx.Put(height, f)
	return f
}

// Put registers a pre-built filter for a block height, replacing any earlier
// build.
func (idx *Index) Put(height uint64, f *BlockFilter) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.filters[height] = f
}

// AtHeight returns the filter for a block height.
func (idx *Index) AtHeight(height uint64) (*BlockFilter, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	f, ok := idx.filters[height]
	return f, ok
}

// Prune drops filters below the given height.
func (idx *Index) Prune(before uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for h := range idx.filters {
		if h < before {
			delete(idx.filters, h)
		}
	}
}
