package channel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"

	"github.com/jimmyyip-crypto/chain/attestation"
	"github.com/jimmyyip-crypto/chain/shared"
)

// Role selects the handshake side.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

const handshakeVersion = 1

var (
	// ErrAttestationRejected is returned when the peer's quote fails
	// verification; the report status is wrapped in the message. Always
	// fatal to the handshake, never downgraded.
	ErrAttestationRejected = errors.New("peer attestation rejected")

	errHandshakeAborted = errors.New("handshake aborted")
)

// helloMessage opens the handshake. The initiator's ephemeral X25519 public
// key travels in the clear here; when the initiator attests, the same key is
// also bound inside its quote's report data, which is the copy the responder
// trusts.
type helloMessage struct {
	Version    uint8    `cbor:"1,keyasint"`
	Nonce      [32]byte `cbor:"2,keyasint"`
	PublicKey  [32]byte `cbor:"3,keyasint"`
	WillAttest bool     `cbor:"4,keyasint"`
}

// acceptMessage is the responder's reply carrying its quote. The quote's
// report data binds the initiator's nonce and the responder's ephemeral key.
type acceptMessage struct {
	Nonce [32]byte              `cbor:"1,keyasint"`
	Quote *shared.QuoteDocument `cbor:"2,keyasint"`
}

// proofMessage completes a mutual handshake with the initiator's quote over
// the responder's nonce.
type proofMessage struct {
	Quote *shared.QuoteDocument `cbor:"1,keyasint"`
}

// Config carries the handshake collaborators. Platform may be nil for a
// client that does not attest (one-sided handshake); Verifier may be nil for
// a responder that accepts unattested initiators, e.g. the query service
// accepting wallet clients.
type Config struct {
	Role     Role
	Platform shared.Platform
	Verifier *attestation.Verifier
	Logger   *shared.Logger
}

// Establish runs the attested handshake over conn and returns the secure
// channel. The context bounds the whole exchange; on timeout or any
// verification failure the connection is torn down rather than left
// half-open.
func Establish(ctx context.Context, conn shared.Conn, cfg Config) (*Channel, error) {
	if cfg.Logger == nil {
		cfg.Logger = shared.NewNopLogger()
	}

	type result struct {
		ch  *Channel
		err error
	}
	done := make(chan result, 1)

	go func() {
		ch, err := establish(conn, cfg)
		done <- result{ch: ch, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			conn.Close()
		}
		return r.ch, r.err
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil, fmt.Errorf("%w: %v", errHandshakeAborted, ctx.Err())
	}
}

func establish(conn shared.Conn, cfg Config) (*Channel, error) {
	switch cfg.Role {
	case RoleInitiator:
		return establishInitiator(conn, cfg)
	case RoleResponder:
		return establishResponder(conn, cfg)
	default:
		return nil, fmt.Errorf("unknown handshake role %d", cfg.Role)
	}
}

func establishInitiator(conn shared.Conn, cfg Config) (*Channel, error) {
	priv, pub, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	hello := helloMessage{Version: handshakeVersion, PublicKey: pub, WillAttest: cfg.Platform != nil}
	if _, err := rand.Read(hello.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate handshake nonce: %w", err)
	}

	transcript := sha3.New256()
	if _, err := writeHandshakeMessage(conn, transcript, hello); err != nil {
		return nil, err
	}

	var accept acceptMessage
	if err := readHandshakeMessage(conn, transcript, &accept); err != nil {
		return nil, err
	}
	if accept.Quote == nil {
		return nil, errors.New("responder did not attest")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("initiator requires a verifier")
	}

	report, err := cfg.Verifier.Verify(accept.Quote, hello.Nonce[:])
	if err != nil {
		return nil, fmt.Errorf("attestation verification error: %w", err)
	}
	if !report.Trusted() {
		cfg.Logger.Security("responder attestation rejected",
			zap.String("status", report.Status.String()))
		return nil, fmt.Errorf("%w: %s", ErrAttestationRejected, report.Status)
	}

	// The responder's key-exchange key is taken from the verified quote,
	// not from any unauthenticated field.
	var peerPub [32]byte
	copy(peerPub[:], accept.Quote.ReportData[32:])

	if cfg.Platform != nil {
		var reportData [shared.ReportDataSize]byte
		copy(reportData[:32], accept.Nonce[:])
		copy(reportData[32:], pub[:])
		quote, err := cfg.Platform.Quote(reportData)
		if err != nil {
			return nil, fmt.Errorf("failed to produce initiator quote: %w", err)
		}
		if _, err := writeHandshakeMessage(conn, transcript, proofMessage{Quote: quote}); err != nil {
			return nil, err
		}
	}

	secrets, err := finishKeySchedule(priv, peerPub, transcript.Sum(nil))
	if err != nil {
		return nil, err
	}
	return newChannel(conn, secrets, RoleInitiator, accept.Quote.Measurement, true)
}

func establishResponder(conn shared.Conn, cfg Config) (*Channel, error) {
	if cfg.Platform == nil {
		return nil, errors.New("responder requires a platform to attest with")
	}

	priv, pub, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	transcript := sha3.New256()

	var hello helloMessage
	if err := readHandshakeMessage(conn, transcript, &hello); err != nil {
		return nil, err
	}
	if hello.Version != handshakeVersion {
		return nil, fmt.Errorf("unsupported handshake version %d", hello.Version)
	}

	accept := acceptMessage{}
	if _, err := rand.Read(accept.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate handshake nonce: %w", err)
	}

	var reportData [shared.ReportDataSize]byte
	copy(reportData[:32], hello.Nonce[:])
	copy(reportData[32:], pub[:])
	accept.Quote, err = cfg.Platform.Quote(reportData)
	if err != nil {
		return nil, fmt.Errorf("failed to produce responder quote: %w", err)
	}

	if _, err := writeHandshakeMessage(conn, transcript, accept); err != nil {
		return nil, err
	}

	peerPub := hello.PublicKey
	var peerMeasurement [shared.MeasurementSize]byte
	peerAttested := false

	if hello.WillAttest {
		if cfg.Verifier == nil {
			return nil, errors.New("responder has no verifier for an attesting initiator")
		}
		var proof proofMessage
		if err := readHandshakeMessage(conn, transcript, &proof); err != nil {
			return nil, err
		}
		if proof.Quote == nil {
			return nil, errors.New("initiator promised a quote but sent none")
		}
		report, err := cfg.Verifier.Verify(proof.Quote, accept.Nonce[:])
		if err != nil {
			return nil, fmt.Errorf("attestation verification error: %w", err)
		}
		if !report.Trusted() {
			cfg.Logger.Security("initiator attestation rejected",
				zap.String("status", report.Status.String()))
			return nil, fmt.Errorf("%w: %s", ErrAttestationRejected, report.Status)
		}
		// An attested initiator's key comes from the verified quote and
		// must match the hello, otherwise a middleman spliced the
		// exchange.
		copy(peerPub[:], proof.Quote.ReportData[32:])
		if peerPub != hello.PublicKey {
			return nil, errors.New("initiator key mismatch between hello and quote")
		}
		peerMeasurement = proof.Quote.Measurement
		peerAttested = true
	}

	secrets, err := finishKeySchedule(priv, peerPub, transcript.Sum(nil))
	if err != nil {
		return nil, err
	}
	return newChannel(conn, secrets, RoleResponder, peerMeasurement, peerAttested)
}

func generateKeyPair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

func finishKeySchedule(priv, peerPub [32]byte, transcriptHash []byte) (*channelSecrets, error) {
	sharedSecret, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}
	return deriveChannelSecrets(sharedSecret, transcriptHash)
}

// writeHandshakeMessage encodes, transmits and folds a message into the
// transcript. Both sides hash identical bytes because encoding is canonical.
func writeHandshakeMessage(conn shared.Conn, transcript interface{ Write([]byte) (int, error) }, msg interface{}) ([]byte, error) {
	encoded, err := shared.MarshalCanonical(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handshake message: %w", err)
	}
	if _, err := transcript.Write(encoded); err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(encoded); err != nil {
		return nil, err
	}
	return encoded, nil
}

func readHandshakeMessage(conn shared.Conn, transcript interface{ Write([]byte) (int, error) }, msg interface{}) error {
	raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if _, err := transcript.Write(raw); err != nil {
		return err
	}
	if err := shared.Unmarshal(raw, msg); err != nil {
		return fmt.Errorf("malformed handshake message: %w", err)
	}
	return nil
}
