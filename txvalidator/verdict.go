package txvalidator

import (
	"github.com/jimmyyip-crypto/chain/viewfilter"
)

// Outcome classifies one validation result.
type Outcome int

const (
	Valid Outcome = iota
	UnknownEpoch
	MalformedPayload
	InvalidBalance
	InvalidSignature
	Replay
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case UnknownEpoch:
		return "unknown_epoch"
	case MalformedPayload:
		return "malformed_payload"
	case InvalidBalance:
		return "invalid_balance"
	case InvalidSignature:
		return "invalid_signature"
	case Replay:
		return "replay"
	default:
		return "unknown"
	}
}

// PublicOutcome is the coarse category safe to surface to an untrusted
// submitter. Balance and signature failures collapse into one bucket so an
// adversary cannot probe amounts by distinguishing error types.
type PublicOutcome int

const (
	PublicValid PublicOutcome = iota
	PublicRejected
	PublicReplay
	PublicUnknownEpoch
)

func (p PublicOutcome) String() string {
	switch p {
	case PublicValid:
		return "valid"
	case PublicRejected:
		return "rejected"
	case PublicReplay:
		return "replay"
	case PublicUnknownEpoch:
		return "unknown_epoch"
	default:
		return "unknown"
	}
}

// Verdict is the validation result handed to consensus. It carries only
// aggregate public fields; plaintext amounts and keys are excluded by
// construction.
type Verdict struct {
	TxID    [32]byte
	Outcome Outcome

	// Public metadata, populated only on Valid.
	Fee         uint64
	Size        int
	InputCount  int
	OutputCount int

	// Tags for block assembly to fold into the block's view filter.
	Tags []viewfilter.ViewTag
}

// Public maps the internal outcome to the submitter-visible category.
func (v *Verdict) Public() PublicOutcome {
	switch v.Outcome {
	case Valid:
		return PublicValid
	case Replay:
		return PublicReplay
	case UnknownEpoch:
		return PublicUnknownEpoch
	default:
		return PublicRejected
	}
}
