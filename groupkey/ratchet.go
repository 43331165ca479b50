package groupkey

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Forward-secure epoch key derivation. The next key is an HKDF step over the
// previous key plus a fresh random injection chosen by the rotation leader:
//
//	K(N+1) = HKDF(secret = K(N) || injection, salt = H(members, N+1), info = label)
//
// HKDF one-wayness means K(N+1) reveals nothing about K(N) (backward
// confidentiality after a removal), and without the injection - which never
// appears outside attested channels - K(N) cannot produce K(N+1) (forward
// secrecy after a compromise).

const ratchetLabel = "chain/v1 epoch ratchet"

// membershipHash digests the normalized member set together with the target
// epoch number.
func membershipHash(members []Member, number uint64) []byte {
	h := sha3.New256()
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], number)
	h.Write(num[:])
	for _, m := range normalizeMembers(members) {
		h.Write(m[:])
	}
	return h.Sum(nil)
}

// nextEpochKey derives epoch number's key from the previous key, the fresh
// injection and the new member set.
func nextEpochKey(prev [KeySize]byte, injection [KeySize]byte, members []Member, number uint64) ([KeySize]byte, error) {
	var key [KeySize]byte

	secret := make([]byte, 0, 2*KeySize)
	secret = append(secret, prev[:]...)
	secret = append(secret, injection[:]...)

	kdf := hkdf.New(sha256.New, secret, membershipHash(members, number), []byte(ratchetLabel))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("epoch key derivation failed: %w", err)
	}
	return key, nil
}
