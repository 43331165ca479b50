package shared

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Wire and storage encoding is canonical CBOR (RFC 8949 core deterministic
// encoding). Handshake transcripts are hashed and bound into channel keys and
// rotation acknowledgments are signed over encoded messages, so two honest
// encoders must produce identical bytes for identical values.

var (
	encModeOnce sync.Once
	encMode     cbor.EncMode
	encModeErr  error
)

func canonicalEncMode() (cbor.EncMode, error) {
	encModeOnce.Do(func() {
		encMode, encModeErr = cbor.CanonicalEncOptions().EncMode()
	})
	return encMode, encModeErr
}

// MarshalCanonical encodes v with deterministic CBOR encoding.
func MarshalCanonical(v interface{}) ([]byte, error) {
	em, err := canonicalEncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build canonical encoder: %w", err)
	}
	return em.Marshal(v)
}

// Unmarshal decodes canonical CBOR produced by MarshalCanonical.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
