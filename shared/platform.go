package shared

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Platform kinds supported by the quote/seal abstraction.
const (
	PlatformSoftware = "software"
	PlatformNitro    = "nitro"
	PlatformGCP      = "gcp"
)

const (
	// MeasurementSize is the size of an enclave code measurement
	// (MRENCLAVE / PCR0-equivalent).
	MeasurementSize = 32

	// ReportDataSize is the size of the caller-supplied data bound into a
	// quote: a 32-byte freshness nonce followed by a 32-byte key-exchange
	// public key.
	ReportDataSize = 64
)

const (
	softwareQuoteContext = "chain/v1 software quote"
	sealingContext       = "chain/v1 sealing"
)

var (
	ErrSealMeasurementMismatch = errors.New("sealed blob bound to a different measurement")
	ErrSealCorrupted           = errors.New("sealed blob failed authentication")
)

// QuoteDocument is a hardware-signed structure binding the enclave code
// measurement and caller-supplied report data. It is immutable once issued;
// the attestation package verifies it, nothing mutates it.
type QuoteDocument struct {
	Platform    string                  `cbor:"1,keyasint"`
	Measurement [MeasurementSize]byte   `cbor:"2,keyasint"`
	ReportData  [ReportDataSize]byte    `cbor:"3,keyasint"`
	Status      string                  `cbor:"4,keyasint"`
	Timestamp   int64                   `cbor:"5,keyasint"` // unix seconds at issuance
	Evidence    []byte                  `cbor:"6,keyasint"` // platform-specific proof material
}

// Platform abstracts the hardware trust primitives so the core logic is
// portable and testable with a software stand-in in non-TEE environments.
type Platform interface {
	// Kind returns the platform identifier ("software", "nitro", "gcp").
	Kind() string

	// Measurement returns the measurement of the currently loaded code.
	Measurement() [MeasurementSize]byte

	// Quote produces a platform-signed quote over the given report data.
	Quote(reportData [ReportDataSize]byte) (*QuoteDocument, error)

	// Seal encrypts data such that only an enclave with the same
	// measurement can recover it after a restart.
	Seal(plaintext []byte) ([]byte, error)

	// Unseal recovers data previously produced by Seal.
	Unseal(blob []byte) ([]byte, error)
}

// sealedBlob is the on-disk framing of a sealed secret.
type sealedBlob struct {
	Measurement [MeasurementSize]byte `cbor:"1,keyasint"`
	Nonce       []byte                `cbor:"2,keyasint"`
	Ciphertext  []byte                `cbor:"3,keyasint"`
}

// SoftwarePlatform is the non-hardware stand-in. Quotes are signed with a
// configured secp256k1 root key standing in for the hardware vendor's root of
// trust; sealing keys are derived from a root sealing secret and the
// measurement, which preserves the measurement-binding property the real
// hardware gives for free.
type SoftwarePlatform struct {
	measurement [MeasurementSize]byte
	signingKey  *ecdsa.PrivateKey
	sealRoot    []byte
	status      string
}

// NewSoftwarePlatform builds a software platform for the given image
// identity. The signing key plays the role of the hardware root of trust and
// its public half must be configured on every verifier.
func NewSoftwarePlatform(image string, signingKey *ecdsa.PrivateKey, sealRoot []byte) (*SoftwarePlatform, error) {
	if signingKey == nil {
		return nil, errors.New("software platform requires a signing key")
	}
	if len(sealRoot) < 16 {
		return nil, errors.New("software platform requires a seal root of at least 16 bytes")
	}
	p := &SoftwarePlatform{
		signingKey: signingKey,
		sealRoot:   append([]byte(nil), sealRoot...),
		status:     "OK",
	}
	copy(p.measurement[:], crypto.Keccak256([]byte(image)))
	return p, nil
}

func (p *SoftwarePlatform) Kind() string { return PlatformSoftware }

func (p *SoftwarePlatform) Measurement() [MeasurementSize]byte { return p.measurement }

// SetStatus overrides the reported platform status; tests use this to
// exercise the verifier's status allow-set.
func (p *SoftwarePlatform) SetStatus(status string) { p.status = status }

func (p *SoftwarePlatform) Quote(reportData [ReportDataSize]byte) (*QuoteDocument, error) {
	now := time.Now().Unix()
	digest := SoftwareQuoteDigest(p.measurement, reportData, p.status, now)
	sig, err := crypto.Sign(digest, p.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign software quote: %w", err)
	}
	return &QuoteDocument{
		Platform:    PlatformSoftware,
		Measurement: p.measurement,
		ReportData:  reportData,
		Status:      p.status,
		Timestamp:   now,
		Evidence:    sig,
	}, nil
}

// SoftwareQuoteDigest computes the digest a software quote signature covers.
// Shared with the verifier so both sides agree byte for byte.
func SoftwareQuoteDigest(measurement [MeasurementSize]byte, reportData [ReportDataSize]byte, status string, timestamp int64) []byte {
	ts := make([]byte, 8)
	for i := 0; i < 8; i++ {
		ts[i] = byte(timestamp >> (56 - 8*i))
	}
	return crypto.Keccak256(
		[]byte(softwareQuoteContext),
		measurement[:],
		reportData[:],
		[]byte(status),
		ts,
	)
}

func (p *SoftwarePlatform) Seal(plaintext []byte) ([]byte, error) {
	aead, err := p.sealingAEAD()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate sealing nonce: %w", err)
	}
	blob := sealedBlob{
		Measurement: p.measurement,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, p.measurement[:]),
	}
	return MarshalCanonical(blob)
}

func (p *SoftwarePlatform) Unseal(raw []byte) ([]byte, error) {
	var blob sealedBlob
	if err := cbor.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("malformed sealed blob: %w", err)
	}
	if blob.Measurement != p.measurement {
		return nil, ErrSealMeasurementMismatch
	}
	aead, err := p.sealingAEAD()
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, p.measurement[:])
	if err != nil {
		return nil, ErrSealCorrupted
	}
	return plaintext, nil
}

func (p *SoftwarePlatform) sealingAEAD() (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, p.sealRoot, p.measurement[:], []byte(sealingContext))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// NitroPlatform produces quotes through the AWS Nitro Security Module. The
// attestation document embeds PCR0 as the measurement; verification happens
// on the peer via the attestation package.
type NitroPlatform struct {
	session     *nsm.Session
	measurement [MeasurementSize]byte
	sealRoot    []byte
	mu          sync.Mutex
}

// NewNitroPlatform opens the default NSM session. The seal root is NSM-seeded
// entropy held for the enclave lifetime; durable sealing on Nitro pairs this
// with the measurement exactly like the software path.
func NewNitroPlatform(pcr0 []byte) (*NitroPlatform, error) {
	session, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}

	p := &NitroPlatform{session: session}
	if len(pcr0) != MeasurementSize {
		session.Close()
		return nil, fmt.Errorf("invalid PCR0 length %d", len(pcr0))
	}
	copy(p.measurement[:], pcr0)

	p.sealRoot = make([]byte, 32)
	if _, err := session.Read(p.sealRoot); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to read NSM entropy: %w", err)
	}
	return p, nil
}

func (p *NitroPlatform) Kind() string { return PlatformNitro }

func (p *NitroPlatform) Measurement() [MeasurementSize]byte { return p.measurement }

func (p *NitroPlatform) Quote(reportData [ReportDataSize]byte) (*QuoteDocument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.session.Send(&request.Attestation{
		Nonce:    reportData[:32],
		UserData: reportData[:],
	})
	if err != nil {
		return nil, fmt.Errorf("NSM attestation request failed: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("NSM attestation error: %s", res.Error)
	}
	if res.Attestation == nil || len(res.Attestation.Document) == 0 {
		return nil, errors.New("NSM returned empty attestation document")
	}

	return &QuoteDocument{
		Platform:    PlatformNitro,
		Measurement: p.measurement,
		ReportData:  reportData,
		Status:      "OK",
		Timestamp:   time.Now().Unix(),
		Evidence:    res.Attestation.Document,
	}, nil
}

func (p *NitroPlatform) Seal(plaintext []byte) ([]byte, error) {
	soft := &SoftwarePlatform{measurement: p.measurement, sealRoot: p.sealRoot}
	return soft.Seal(plaintext)
}

func (p *NitroPlatform) Unseal(blob []byte) ([]byte, error) {
	soft := &SoftwarePlatform{measurement: p.measurement, sealRoot: p.sealRoot}
	return soft.Unseal(blob)
}

// Close releases the NSM session.
func (p *NitroPlatform) Close() error {
	return p.session.Close()
}
