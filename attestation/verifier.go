package attestation

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jimmyyip-crypto/chain/shared"
)

// VerifierConfig configures a Verifier. The allow-list and trust roots are
// external configuration; verification never mutates them.
type VerifierConfig struct {
	// AllowList holds the trusted measurements.
	AllowList *AllowList

	// SoftwareTrustRoots are uncompressed secp256k1 public keys accepted as
	// the root of trust for software quotes.
	SoftwareTrustRoots [][]byte

	// ReportValidity is the staleness window; quotes older than this are
	// Expired.
	ReportValidity time.Duration

	// AllowedStatuses is the set of platform statuses accepted in addition
	// to "OK" (e.g. "SW_HARDENING_NEEDED" during a hardening window).
	AllowedStatuses []string
}

// Verifier validates quotes. It has no side effects beyond returning the
// report.
type Verifier struct {
	cfg      VerifierConfig
	statuses map[string]struct{}
	gcp      *GoogleAttestor
	now      func() time.Time
}

// NewVerifier creates a verifier for the given configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.AllowList == nil {
		return nil, errors.New("verifier requires an allow-list")
	}
	if cfg.ReportValidity <= 0 {
		return nil, errors.New("verifier requires a positive report validity window")
	}

	statuses := map[string]struct{}{"OK": {}}
	for _, s := range cfg.AllowedStatuses {
		statuses[s] = struct{}{}
	}

	gcp, err := NewGoogleAttestor()
	if err != nil {
		return nil, err
	}

	return &Verifier{
		cfg:      cfg,
		statuses: statuses,
		gcp:      gcp,
		now:      time.Now,
	}, nil
}

// Verify checks a quote against the trust anchor, the measurement
// allow-list, the caller's freshness nonce and the staleness window, in that
// order. The first failing check determines the report status; the
// measurement and issuance time are reported either way so callers can log
// what was rejected.
func (v *Verifier) Verify(quote *shared.QuoteDocument, freshnessNonce []byte) (*Report, error) {
	if quote == nil {
		return nil, errors.New("nil quote")
	}
	if len(freshnessNonce) != 32 {
		return nil, fmt.Errorf("invalid freshness nonce length %d", len(freshnessNonce))
	}

	report := &Report{
		Measurement: quote.Measurement,
		Timestamp:   time.Unix(quote.Timestamp, 0),
	}

	if err := v.verifyEvidence(quote); err != nil {
		report.Status = StatusSignatureInvalid
		return report, nil
	}

	// Statuses outside the accepted set mark the platform untrustworthy and
	// land in the same bucket as a revoked measurement.
	if _, ok := v.statuses[quote.Status]; !ok {
		report.Status = StatusRevokedMeasurement
		return report, nil
	}
	if !v.cfg.AllowList.Contains(quote.Measurement, v.now()) {
		report.Status = StatusRevokedMeasurement
		return report, nil
	}

	if !bytes.Equal(quote.ReportData[:32], freshnessNonce) {
		report.Status = StatusNonceMismatch
		return report, nil
	}

	age := v.now().Sub(time.Unix(quote.Timestamp, 0))
	if age > v.cfg.ReportValidity || age < -time.Minute {
		report.Status = StatusExpired
		return report, nil
	}

	report.Status = StatusTrusted
	return report, nil
}

// verifyEvidence dispatches on the quote platform and checks the evidence
// against that platform's root of trust.
func (v *Verifier) verifyEvidence(quote *shared.QuoteDocument) error {
	switch quote.Platform {
	case shared.PlatformSoftware:
		return v.verifySoftwareEvidence(quote)
	case shared.PlatformNitro:
		return verifyNitroEvidence(quote)
	case shared.PlatformGCP:
		return v.gcp.VerifyEvidence(quote)
	default:
		return fmt.Errorf("unknown quote platform %q", quote.Platform)
	}
}

func (v *Verifier) verifySoftwareEvidence(quote *shared.QuoteDocument) error {
	if len(v.cfg.SoftwareTrustRoots) == 0 {
		return errors.New("no software trust roots configured")
	}
	digest := shared.SoftwareQuoteDigest(quote.Measurement, quote.ReportData, quote.Status, quote.Timestamp)
	pub, err := crypto.Ecrecover(digest, quote.Evidence)
	if err != nil {
		return fmt.Errorf("failed to recover quote signer: %w", err)
	}
	for _, root := range v.cfg.SoftwareTrustRoots {
		if bytes.Equal(pub, root) {
			return nil
		}
	}
	return errors.New("quote signer is not a configured trust root")
}
