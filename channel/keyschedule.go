package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Channel key schedule. Both directions and the channel id are derived from
// the X25519 shared secret with HKDF-SHA256, salted by the handshake
// transcript hash. The transcript contains both parties' quotes, so the
// derived keys are bound to both measurements: a verified-but-substituted
// peer would produce a different transcript and end up with different keys.

const (
	labelInitiatorKey = "chain/v1 i2r key"
	labelResponderKey = "chain/v1 r2i key"
	labelChannelID    = "chain/v1 channel id"
)

type channelSecrets struct {
	initiatorKey []byte // protects initiator→responder traffic
	responderKey []byte // protects responder→initiator traffic
	channelID    string
}

func deriveChannelSecrets(sharedSecret, transcriptHash []byte) (*channelSecrets, error) {
	ik, err := expandLabel(sharedSecret, transcriptHash, labelInitiatorKey, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	rk, err := expandLabel(sharedSecret, transcriptHash, labelResponderKey, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	id, err := expandLabel(sharedSecret, transcriptHash, labelChannelID, 16)
	if err != nil {
		return nil, err
	}
	return &channelSecrets{
		initiatorKey: ik,
		responderKey: rk,
		channelID:    hex.EncodeToString(id),
	}, nil
}

func expandLabel(secret, salt []byte, label string, length int) ([]byte, error) {
	out := make([]byte, length)
	kdf := hkdf.New(sha256.New, secret, salt, []byte(label))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("failed to derive %q: %w", label, err)
	}
	return out, nil
}
