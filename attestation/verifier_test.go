package attestation

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jimmyyip-crypto/chain/shared"
)

type testFixture struct {
	platform *shared.SoftwarePlatform
	rootKey  *ecdsa.PrivateKey
	verifier *Verifier
}

func newFixture(t *testing.T, trustPlatform bool) *testFixture {
	t.Helper()

	rootKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate root key: %v", err)
	}
	sealRoot := make([]byte, 32)
	if _, err := rand.Read(sealRoot); err != nil {
		t.Fatalf("failed to generate seal root: %v", err)
	}
	platform, err := shared.NewSoftwarePlatform("validator-v1", rootKey, sealRoot)
	if err != nil {
		t.Fatalf("failed to create platform: %v", err)
	}

	var allowed []string
	if trustPlatform {
		m := platform.Measurement()
		allowed = []string{hex.EncodeToString(m[:])}
	}
	allowList, err := NewAllowList(allowed)
	if err != nil {
		t.Fatalf("failed to build allow-list: %v", err)
	}

	verifier, err := NewVerifier(VerifierConfig{
		AllowList:          allowList,
		SoftwareTrustRoots: [][]byte{crypto.FromECDSAPub(&rootKey.PublicKey)},
		ReportValidity:     time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	return &testFixture{platform: platform, rootKey: rootKey, verifier: verifier}
}

func quoteWithNonce(t *testing.T, p *shared.SoftwarePlatform, nonce []byte) *shared.QuoteDocument {
	t.Helper()
	var reportData [shared.ReportDataSize]byte
	copy(reportData[:32], nonce)
	quote, err := p.Quote(reportData)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	return quote
}

func testNonce() []byte {
	nonce := make([]byte, 32)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	return nonce
}

func TestVerifyTrustedQuote(t *testing.T) {
	f := newFixture(t, true)
	nonce := testNonce()

	report, err := f.verifier.Verify(quoteWithNonce(t, f.platform, nonce), nonce)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !report.Trusted() {
		t.Fatalf("expected Trusted, got %v", report.Status)
	}
	if report.Measurement != f.platform.Measurement() {
		t.Error("report carries wrong measurement")
	}
}

func TestVerifyRevokedMeasurement(t *testing.T) {
	// Correct signature, but the measurement is not in the allow-list.
	f := newFixture(t, false)
	nonce := testNonce()

	report, err := f.verifier.Verify(quoteWithNonce(t, f.platform, nonce), nonce)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Status != StatusRevokedMeasurement {
		t.Fatalf("expected RevokedMeasurement, got %v", report.Status)
	}
}

func TestVerifyStatusOutsideAllowSet(t *testing.T) {
	f := newFixture(t, true)
	f.platform.SetStatus("CONFIGURATION_NEEDED")
	nonce := testNonce()

	report, err := f.verifier.Verify(quoteWithNonce(t, f.platform, nonce), nonce)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Status != StatusRevokedMeasurement {
		t.Fatalf("expected RevokedMeasurement for disallowed status, got %v", report.Status)
	}
}

func TestVerifyNonceMismatch(t *testing.T) {
	f := newFixture(t, true)

	quote := quoteWithNonce(t, f.platform, testNonce())
	other := make([]byte, 32)

	report, err := f.verifier.Verify(quote, other)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Status != StatusNonceMismatch {
		t.Fatalf("expected NonceMismatch, got %v", report.Status)
	}
}

func TestVerifyExpiredQuote(t *testing.T) {
	f := newFixture(t, true)
	nonce := testNonce()
	quote := quoteWithNonce(t, f.platform, nonce)

	f.verifier.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	report, err := f.verifier.Verify(quote, nonce)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Status != StatusExpired {
		t.Fatalf("expected Expired, got %v", report.Status)
	}
}

func TestVerifySignatureInvalid(t *testing.T) {
	f := newFixture(t, true)
	nonce := testNonce()
	quote := quoteWithNonce(t, f.platform, nonce)

	testCases := []struct {
		name   string
		mutate func(q *shared.QuoteDocument)
	}{
		{
			name: "TamperedMeasurement",
			mutate: func(q *shared.QuoteDocument) {
				q.Measurement[0] ^= 0x01
			},
		},
		{
			name: "TamperedReportData",
			mutate: func(q *shared.QuoteDocument) {
				q.ReportData[40] ^= 0x01
			},
		},
		{
			name: "TamperedTimestamp",
			mutate: func(q *shared.QuoteDocument) {
				q.Timestamp++
			},
		},
		{
			name: "ForeignSigner",
			mutate: func(q *shared.QuoteDocument) {
				otherKey, _ := crypto.GenerateKey()
				digest := shared.SoftwareQuoteDigest(q.Measurement, q.ReportData, q.Status, q.Timestamp)
				q.Evidence, _ = crypto.Sign(digest, otherKey)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mutated := *quote
			tc.mutate(&mutated)

			report, err := f.verifier.Verify(&mutated, nonce)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if report.Status != StatusSignatureInvalid {
				t.Fatalf("expected SignatureInvalid, got %v", report.Status)
			}
		})
	}
}

func TestAllowListDeployWindow(t *testing.T) {
	al, err := NewAllowList(nil)
	if err != nil {
		t.Fatalf("NewAllowList failed: %v", err)
	}

	var m [shared.MeasurementSize]byte
	m[0] = 0xAB

	now := time.Now()
	al.Add(m, now.Add(time.Hour))

	if !al.Contains(m, now) {
		t.Error("measurement should be trusted inside the deploy window")
	}
	if al.Contains(m, now.Add(2*time.Hour)) {
		t.Error("measurement should expire after the deploy window")
	}

	al.Remove(m)
	if al.Contains(m, now) {
		t.Error("removed measurement should not be trusted")
	}
}
