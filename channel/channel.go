// Package channel wraps a transport with authenticated encryption keyed from
// a successful attestation handshake. A channel is single-use per logical
// session; rekeying requires a fresh handshake.
package channel

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jimmyyip-crypto/chain/shared"
)

var (
	// ErrChannelFailed is returned once a channel has failed permanently;
	// any sequence or authentication violation poisons the channel rather
	// than dropping the offending frame.
	ErrChannelFailed = errors.New("channel failed permanently, re-handshake required")

	// ErrSequenceExhausted is returned when a direction's sequence counter
	// reaches its limit; the channel is destroyed to force a rekey.
	ErrSequenceExhausted = errors.New("channel sequence counter exhausted")
)

// maxSequence bounds per-direction frame counts. Reaching it destroys the
// channel so nonces can never repeat under one key.
const maxSequence = 1<<63 - 1

// frame is the wire format of one encrypted message.
type frame struct {
	Seq        uint64 `cbor:"1,keyasint"`
	Ciphertext []byte `cbor:"2,keyasint"`
}

type direction struct {
	mu   sync.Mutex
	aead cipher.AEAD
	seq  uint64
	// nonce prefix distinguishes the two directions under distinct keys as
	// defense in depth; the last 8 bytes carry the sequence number.
	prefix [4]byte
}

func (d *direction) nonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, d.prefix[:])
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Channel is an established secure session. It is owned by the handshake
// that created it and is destroyed on close or sequence exhaustion.
type Channel struct {
	id              string
	conn            shared.Conn
	send            direction
	recv            direction
	failed          atomic.Bool
	peerMeasurement [shared.MeasurementSize]byte
	peerAttested    bool
}

// ID returns the channel identifier derived during the handshake. Both ends
// compute the same id; it is safe to use in logs and challenge bindings.
func (c *Channel) ID() string { return c.id }

// PeerMeasurement returns the attested peer identity. The second return is
// false for a one-sided handshake where the peer did not attest.
func (c *Channel) PeerMeasurement() ([shared.MeasurementSize]byte, bool) {
	return c.peerMeasurement, c.peerAttested
}

// Failed reports whether the channel has been poisoned.
func (c *Channel) Failed() bool { return c.failed.Load() }

// Send encrypts and transmits one message.
func (c *Channel) Send(plaintext []byte) error {
	if c.failed.Load() {
		return ErrChannelFailed
	}

	c.send.mu.Lock()
	defer c.send.mu.Unlock()

	if c.send.seq >= maxSequence {
		c.fail()
		return ErrSequenceExhausted
	}
	seq := c.send.seq
	c.send.seq++

	ct := c.send.aead.Seal(nil, c.send.nonce(seq), plaintext, []byte(c.id))
	encoded, err := shared.MarshalCanonical(frame{Seq: seq, Ciphertext: ct})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := c.conn.WriteMessage(encoded); err != nil {
		c.fail()
		return err
	}
	return nil
}

// Recv receives and decrypts the next message. Any out-of-order, replayed or
// unauthenticated frame fails the channel permanently - there is no silent
// drop, so a reordering or replaying adversary cannot go unnoticed.
func (c *Channel) Recv() ([]byte, error) {
	if c.failed.Load() {
		return nil, ErrChannelFailed
	}

	c.recv.mu.Lock()
	defer c.recv.mu.Unlock()

	raw, err := c.conn.ReadMessage()
	if err != nil {
		c.fail()
		return nil, err
	}

	var f frame
	if err := shared.Unmarshal(raw, &f); err != nil {
		c.fail()
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	if f.Seq != c.recv.seq {
		c.fail()
		return nil, fmt.Errorf("sequence violation: got %d, want %d: %w", f.Seq, c.recv.seq, ErrChannelFailed)
	}
	if c.recv.seq >= maxSequence {
		c.fail()
		return nil, ErrSequenceExhausted
	}

	// The nonce is built from the locally tracked counter, never from
	// attacker-controlled frame contents.
	plaintext, err := c.recv.aead.Open(nil, c.recv.nonce(c.recv.seq), f.Ciphertext, []byte(c.id))
	if err != nil {
		c.fail()
		return nil, fmt.Errorf("frame authentication failed: %w", ErrChannelFailed)
	}
	c.recv.seq++
	return plaintext, nil
}

// Close tears the channel down. A closed channel cannot be reused.
func (c *Channel) Close() error {
	c.fail()
	return c.conn.Close()
}

func (c *Channel) fail() {
	c.failed.Store(true)
}

// newChannel assembles a channel from derived secrets. The initiator sends
// under the initiator key and receives under the responder key; the
// responder is mirrored.
func newChannel(conn shared.Conn, secrets *channelSecrets, role Role, peerMeasurement [shared.MeasurementSize]byte, peerAttested bool) (*Channel, error) {
	ia, err := chacha20poly1305.New(secrets.initiatorKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build initiator AEAD: %w", err)
	}
	ra, err := chacha20poly1305.New(secrets.responderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build responder AEAD: %w", err)
	}

	c := &Channel{
		id:              secrets.channelID,
		conn:            conn,
		peerMeasurement: peerMeasurement,
		peerAttested:    peerAttested,
	}
	initiatorPrefix := [4]byte{'i', '2', 'r', 0}
	responderPrefix := [4]byte{'r', '2', 'i', 0}
	if role == RoleInitiator {
		c.send.aead, c.send.prefix = ia, initiatorPrefix
		c.recv.aead, c.recv.prefix = ra, responderPrefix
	} else {
		c.send.aead, c.send.prefix = ra, responderPrefix
		c.recv.aead, c.recv.prefix = ia, initiatorPrefix
	}
	return c, nil
}
