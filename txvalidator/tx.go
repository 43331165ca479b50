// Package txvalidator decrypts sealed transactions with the group epoch key
// and validates balance, signatures and replay without letting plaintext
// amounts or keys leave the enclave.
package txvalidator

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jimmyyip-crypto/chain/groupkey"
	"github.com/jimmyyip-crypto/chain/shared"
)

const (
	// AmountSize is the fixed width of an encrypted amount opening.
	AmountSize = 32

	signingLabel = "chain/v1 tx signing"
	sealLabel    = "chain/v1 tx seal"
)

// InputRef identifies the output an input spends; it doubles as the
// spent-set marker.
type InputRef [32]byte

// TxInput opens one committed input value and proves authority to spend it.
type TxInput struct {
	Ref       InputRef         `cbor:"1,keyasint"`
	Amount    [AmountSize]byte `cbor:"2,keyasint"`
	PubKey    []byte           `cbor:"3,keyasint"` // compressed secp256k1
	Signature []byte           `cbor:"4,keyasint"` // 64-byte r||s over SigningDigest
}

// TxOutput addresses one output value to a view key.
type TxOutput struct {
	Amount     [AmountSize]byte `cbor:"1,keyasint"`
	ViewPubKey []byte           `cbor:"2,keyasint"`
}

// Payload is the confidential transaction body, visible only after
// authenticated decryption inside the enclave.
type Payload struct {
	Inputs  []TxInput        `cbor:"1,keyasint"`
	Outputs []TxOutput       `cbor:"2,keyasint"`
	Fee     [AmountSize]byte `cbor:"3,keyasint"`
}

// SealedTx is a transaction as it travels on the wire: an epoch number in
// the clear and the payload under the epoch key's AEAD.
type SealedTx struct {
	Epoch      uint64 `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

// ID is the public transaction identifier, a digest over the sealed form so
// anyone can compute it without the epoch key.
func (tx *SealedTx) ID() [32]byte {
	var epoch [8]byte
	binary.BigEndian.PutUint64(epoch[:], tx.Epoch)
	var id [32]byte
	copy(id[:], crypto.Keccak256([]byte(sealLabel), epoch[:], tx.Nonce, tx.Ciphertext))
	return id
}

// Size returns the wire size of the sealed transaction.
func (tx *SealedTx) Size() int {
	return 8 + len(tx.Nonce) + len(tx.Ciphertext)
}

// SigningDigest is what each input owner signs: the payload with all
// signatures blanked, canonically encoded under a domain label. Blanking
// rather than omitting keeps every input committed to the full input set.
func SigningDigest(p *Payload) ([32]byte, error) {
	unsigned := Payload{
		Inputs:  make([]TxInput, len(p.Inputs)),
		Outputs: p.Outputs,
		Fee:     p.Fee,
	}
	for i, in := range p.Inputs {
		unsigned.Inputs[i] = TxInput{Ref: in.Ref, Amount: in.Amount, PubKey: in.PubKey}
	}

	encoded, err := shared.MarshalCanonical(&unsigned)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to encode signing payload: %w", err)
	}
	var digest [32]byte
	copy(digest[:], crypto.Keccak256([]byte(signingLabel), encoded))
	return digest, nil
}

// Seal encrypts a payload under the epoch key. Wallets run the same code
// outside the enclave; inside, tests and the query service reseal with it.
func Seal(p *Payload, epoch uint64, key [groupkey.KeySize]byte, nonce []byte) (*SealedTx, error) {
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes", chacha20poly1305.NonceSize)
	}
	plaintext, err := shared.MarshalCanonical(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cipher: %w", err)
	}

	var aad [8]byte
	binary.BigEndian.PutUint64(aad[:], epoch)
	return &SealedTx{
		Epoch:      epoch,
		Nonce:      append([]byte(nil), nonce...),
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad[:]),
	}, nil
}

// open authenticated-decrypts the sealed payload bytes. Callers never see
// partially trusted plaintext: any tag mismatch returns an error and nil.
func (tx *SealedTx) open(key [groupkey.KeySize]byte) ([]byte, error) {
	if len(tx.Nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("bad nonce length %d", len(tx.Nonce))
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cipher: %w", err)
	}
	var aad [8]byte
	binary.BigEndian.PutUint64(aad[:], tx.Epoch)
	return aead.Open(nil, tx.Nonce, tx.Ciphertext, aad[:])
}

// AmountBytes converts a small integer amount to its fixed-width encoding.
// Test and wallet helper; consensus amounts arrive already fixed-width.
func AmountBytes(v uint64) [AmountSize]byte {
	var out [AmountSize]byte
	binary.BigEndian.PutUint64(out[AmountSize-8:], v)
	return out
}
