package queryservice

import (
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

const ownershipLabel = "chain/v1 ownership"

// ChallengeSize is the size of the random ownership challenge.
const ChallengeSize = 32

var ErrProofInvalid = errors.New("ownership proof invalid")

// OwnershipProof demonstrates control of a view key's private half. The
// signed digest binds the channel id and the service-issued challenge, so a
// proof captured on one session verifies on no other.
type OwnershipProof struct {
	ViewPubKey []byte `cbor:"1,keyasint"` // compressed secp256k1
	Signature  []byte `cbor:"2,keyasint"` // 64-byte r||s
}

// OwnershipDigest is the message an owner signs to answer a challenge.
func OwnershipDigest(channelID string, challenge, viewPubKey []byte) [32]byte {
	var digest [32]byte
	copy(digest[:], crypto.Keccak256(
		[]byte(ownershipLabel),
		[]byte(channelID),
		challenge,
		viewPubKey,
	))
	return digest
}

// Verify checks the proof against the challenge issued on channelID.
func (p *OwnershipProof) Verify(channelID string, challenge []byte) error {
	if len(p.ViewPubKey) != 33 || len(p.Signature) != 64 {
		return ErrProofInvalid
	}
	digest := OwnershipDigest(channelID, challenge, p.ViewPubKey)
	if !crypto.VerifySignature(p.ViewPubKey, digest[:], p.Signature) {
		return ErrProofInvalid
	}
	return nil
}
