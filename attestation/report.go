// Package attestation validates hardware-signed quotes against a trust
// anchor and a measurement allow-list, producing per-attempt reports that
// secure channel establishment consumes.
package attestation

import (
	"time"

	"github.com/jimmyyip-crypto/chain/shared"
)

// Status is the verifier's judgment over a quote.
type Status int

const (
	// StatusTrusted means every check passed.
	StatusTrusted Status = iota

	// StatusSignatureInvalid means the evidence does not validate against
	// the platform root of trust.
	StatusSignatureInvalid

	// StatusRevokedMeasurement means the quoted measurement is not in the
	// allow-list, or the platform reported a status outside the accepted
	// set.
	StatusRevokedMeasurement

	// StatusNonceMismatch means the quote does not echo the caller's
	// freshness nonce.
	StatusNonceMismatch

	// StatusExpired means the quote is older than the configured staleness
	// window.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusTrusted:
		return "Trusted"
	case StatusSignatureInvalid:
		return "SignatureInvalid"
	case StatusRevokedMeasurement:
		return "RevokedMeasurement"
	case StatusNonceMismatch:
		return "NonceMismatch"
	case StatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Report is produced once per verification attempt. It is not persisted
// beyond the handshake that requested it.
type Report struct {
	Status      Status
	Measurement [shared.MeasurementSize]byte
	Timestamp   time.Time
}

// Trusted reports whether the quote passed every check.
func (r *Report) Trusted() bool {
	return r != nil && r.Status == StatusTrusted
}
