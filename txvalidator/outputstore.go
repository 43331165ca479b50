package txvalidator

import (
	"sync"

	"github.com/jimmyyip-crypto/chain/viewfilter"
)

// StoredOutput is one decrypted output retained for the query service. The
// store lives only inside the enclave; plaintext never leaves except over an
// attested channel to the proven view-key owner.
type StoredOutput struct {
	TxID       [32]byte
	Amount     [AmountSize]byte
	ViewPubKey []byte
	Tag        viewfilter.ViewTag
}

// OutputStore indexes validated outputs by view tag for wallet queries.
// Writes come from validator workers, reads from query sessions.
type OutputStore struct {
	mu    sync.RWMutex
	byTag map[viewfilter.ViewTag][]StoredOutput
	byTx  map[[32]byte][]viewfilter.ViewTag
}

func NewOutputStore() *OutputStore {
	return &OutputStore{
		byTag: make(map[viewfilter.ViewTag][]StoredOutput),
		byTx:  make(map[[32]byte][]viewfilter.ViewTag),
	}
}

// Put records the outputs of one validated transaction.
func (s *OutputStore) Put(txID [32]byte, p *Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := make([]viewfilter.ViewTag, 0, len(p.Outputs))
	for _, out := range p.Outputs {
		tag := viewfilter.TagFor(out.ViewPubKey, txID)
		s.byTag[tag] = append(s.byTag[tag], StoredOutput{
			TxID:       txID,
			Amount:     out.Amount,
			ViewPubKey: append([]byte(nil), out.ViewPubKey...),
			Tag:        tag,
		})
		tags = append(tags, tag)
	}
	s.byTx[txID] = tags
}

// ByTag returns the outputs whose view tag matches. Only outputs addressed
// to the tag's view key come back, never sibling outputs of the same
// transaction.
func (s *OutputStore) ByTag(tag viewfilter.ViewTag) []StoredOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outs := s.byTag[tag]
	copied := make([]StoredOutput, len(outs))
	copy(copied, outs)
	return copied
}

// Drop removes a transaction's outputs, for pruning settled history.
func (s *OutputStore) Drop(txID [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tag := range s.byTx[txID] {
		outs := s.byTag[tag][:0]
		for _, out := range s.byTag[tag] {
			if out.TxID != txID {
				outs = append(outs, out)
			}
		}
		if len(outs) == 0 {
			delete(s.byTag, tag)
		} else {
			s.byTag[tag] = outs
		}
	}
	delete(s.byTx, txID)
}
