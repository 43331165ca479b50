package attestation

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/anjuna-security/go-nitro-attestation/verifier"

	"github.com/jimmyyip-crypto/chain/shared"
)

// verifyNitroEvidence validates an AWS Nitro attestation document and checks
// that the measurement and report data the quote claims are what the signed
// document actually contains. PCR0 is the measurement-equivalent on Nitro.
func verifyNitroEvidence(quote *shared.QuoteDocument) error {
	sr, err := verifier.NewSignedAttestationReport(bytes.NewReader(quote.Evidence))
	if err != nil {
		return fmt.Errorf("failed to parse nitro attestation document: %w", err)
	}

	if err := verifier.Validate(sr, nil); err != nil {
		return fmt.Errorf("nitro attestation validation failed: %w", err)
	}

	pcr0 := sr.Document.PCRs[0]
	if pcr0 == nil {
		return errors.New("PCR0 not found in attestation document")
	}
	if !bytes.Equal(pcr0, quote.Measurement[:]) {
		return errors.New("quoted measurement does not match signed PCR0")
	}

	if !bytes.Equal(sr.Document.UserData, quote.ReportData[:]) {
		return errors.New("quoted report data does not match signed user data")
	}

	return nil
}
