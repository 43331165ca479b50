package shared

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func newTestPlatform(t *testing.T, image string) *SoftwarePlatform {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}
	sealRoot := make([]byte, 32)
	if _, err := rand.Read(sealRoot); err != nil {
		t.Fatalf("failed to generate seal root: %v", err)
	}
	p, err := NewSoftwarePlatform(image, key, sealRoot)
	if err != nil {
		t.Fatalf("failed to create software platform: %v", err)
	}
	return p
}

func TestSoftwareQuoteVerifiableDigest(t *testing.T) {
	p := newTestPlatform(t, "validator-v1")

	var reportData [ReportDataSize]byte
	copy(reportData[:], []byte("nonce-and-key-material"))

	quote, err := p.Quote(reportData)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}

	if quote.Platform != PlatformSoftware {
		t.Errorf("unexpected platform %q", quote.Platform)
	}
	if quote.Measurement != p.Measurement() {
		t.Error("quote measurement does not match platform measurement")
	}
	if quote.ReportData != reportData {
		t.Error("quote report data does not round-trip")
	}

	// The evidence must be a recoverable signature over the shared digest.
	digest := SoftwareQuoteDigest(quote.Measurement, quote.ReportData, quote.Status, quote.Timestamp)
	pub, err := crypto.SigToPub(digest, quote.Evidence)
	if err != nil {
		t.Fatalf("failed to recover public key: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != crypto.PubkeyToAddress(p.signingKey.PublicKey) {
		t.Error("quote signature does not recover to the platform signing key")
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	p := newTestPlatform(t, "validator-v1")

	secret := []byte("epoch key material")
	blob, err := p.Seal(secret)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	got, err := p.Unseal(blob)
	if err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("unsealed %q, want %q", got, secret)
	}
}

func TestUnsealRejectsOtherMeasurement(t *testing.T) {
	p1 := newTestPlatform(t, "validator-v1")
	p2 := newTestPlatform(t, "validator-v2")

	blob, err := p1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := p2.Unseal(blob); err == nil {
		t.Fatal("expected unseal under a different measurement to fail")
	}
}

func TestUnsealRejectsTamperedBlob(t *testing.T) {
	p := newTestPlatform(t, "validator-v1")

	blob, err := p.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// Flip one bit near the end of the blob (inside the ciphertext).
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0x01

	if _, err := p.Unseal(tampered); err == nil {
		t.Fatal("expected tampered blob to fail authentication")
	}
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	type sample struct {
		B string `cbor:"2,keyasint"`
		A int    `cbor:"1,keyasint"`
	}

	first, err := MarshalCanonical(sample{A: 1, B: "x"})
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}
	second, err := MarshalCanonical(sample{A: 1, B: "x"})
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("canonical encoding is not deterministic")
	}
}
