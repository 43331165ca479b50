package txvalidator

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/jimmyyip-crypto/chain/groupkey"
	"github.com/jimmyyip-crypto/chain/metrics"
	"github.com/jimmyyip-crypto/chain/shared"
	"github.com/jimmyyip-crypto/chain/viewfilter"
)

// EpochKeys looks up historical group keys. *groupkey.Store satisfies it.
type EpochKeys interface {
	KeyForEpoch(n uint64) ([groupkey.KeySize]byte, error)
}

// Validator runs the sealed transaction pipeline. Validate calls are
// independent per transaction and safe to run concurrently.
type Validator struct {
	keys    EpochKeys
	spent   SpentSet
	store   *OutputStore // nil when the node does not serve wallet queries
	logger  *shared.Logger
	metrics *metrics.NodeMetrics // nil disables instrumentation
}

// New creates a validator. store and m may be nil.
func New(keys EpochKeys, spent SpentSet, store *OutputStore, logger *shared.Logger, m *metrics.NodeMetrics) (*Validator, error) {
	if keys == nil || spent == nil {
		return nil, errors.New("epoch keys and spent set are required")
	}
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Validator{keys: keys, spent: spent, store: store, logger: logger, metrics: m}, nil
}

// Validate runs the full pipeline over one sealed transaction. Rejections
// come back as a Verdict; the error return is reserved for infrastructure
// failures such as an unreachable spent-set.
func (v *Validator) Validate(tx *SealedTx) (*Verdict, error) {
	started := time.Now()
	verdict, err := v.validate(tx)
	if v.metrics != nil {
		v.metrics.ValidateLatencies().Observe(time.Since(started).Seconds())
		if verdict != nil {
			v.metrics.Verdicts(verdict.Outcome.String()).Inc()
		}
	}
	return verdict, err
}

func (v *Validator) validate(tx *SealedTx) (*Verdict, error) {
	verdict := &Verdict{TxID: tx.ID()}

	key, err := v.keys.KeyForEpoch(tx.Epoch)
	if err != nil {
		if errors.Is(err, groupkey.ErrUnknownEpoch) {
			verdict.Outcome = UnknownEpoch
			return verdict, nil
		}
		return nil, fmt.Errorf("epoch key lookup failed: %w", err)
	}

	plaintext, err := tx.open(key)
	if err != nil {
		verdict.Outcome = MalformedPayload
		return verdict, nil
	}

	var payload Payload
	if err := shared.Unmarshal(plaintext, &payload); err != nil {
		verdict.Outcome = MalformedPayload
		return verdict, nil
	}
	if err := checkStructure(&payload); err != nil {
		v.logger.DebugIf("transaction structure rejected", zap.Error(err))
		verdict.Outcome = MalformedPayload
		return verdict, nil
	}

	if !balanceMatches(&payload) {
		verdict.Outcome = InvalidBalance
		return verdict, nil
	}

	if !signaturesVerify(&payload) {
		verdict.Outcome = InvalidSignature
		return verdict, nil
	}

	seen := make(map[InputRef]struct{}, len(payload.Inputs))
	refs := make([]InputRef, 0, len(payload.Inputs))
	for _, in := range payload.Inputs {
		if _, dup := seen[in.Ref]; dup {
			verdict.Outcome = Replay
			return verdict, nil
		}
		seen[in.Ref] = struct{}{}

		spent, err := v.spent.IsSpent(in.Ref)
		if err != nil {
			return nil, fmt.Errorf("spent-set lookup failed: %w", err)
		}
		if spent {
			verdict.Outcome = Replay
			return verdict, nil
		}
		refs = append(refs, in.Ref)
	}

	if err := v.spent.MarkSpent(refs); err != nil {
		return nil, fmt.Errorf("spent-set update failed: %w", err)
	}

	verdict.Outcome = Valid
	verdict.Fee = feeValue(&payload)
	verdict.Size = tx.Size()
	verdict.InputCount = len(payload.Inputs)
	verdict.OutputCount = len(payload.Outputs)
	verdict.Tags = make([]viewfilter.ViewTag, len(payload.Outputs))
	for i, out := range payload.Outputs {
		verdict.Tags[i] = viewfilter.TagFor(out.ViewPubKey, verdict.TxID)
	}

	if v.store != nil {
		v.store.Put(verdict.TxID, &payload)
	}
	return verdict, nil
}

func checkStructure(p *Payload) error {
	if len(p.Inputs) == 0 {
		return errors.New("no inputs")
	}
	if len(p.Outputs) == 0 {
		return errors.New("no outputs")
	}
	for i, in := range p.Inputs {
		if len(in.PubKey) != 33 {
			return fmt.Errorf("input %d: bad public key length %d", i, len(in.PubKey))
		}
		if len(in.Signature) != 64 {
			return fmt.Errorf("input %d: bad signature length %d", i, len(in.Signature))
		}
	}
	for i, out := range p.Outputs {
		if len(out.ViewPubKey) != 33 {
			return fmt.Errorf("output %d: bad view key length %d", i, len(out.ViewPubKey))
		}
	}
	return nil
}

// balanceMatches checks sum(inputs) == sum(outputs) + fee over fixed-width
// integers. Accumulation and the final compare avoid amount-dependent
// branches so timing reveals nothing about magnitudes.
func balanceMatches(p *Payload) bool {
	overflow := 0

	inSum := new(uint256.Int)
	for _, in := range p.Inputs {
		_, o := inSum.AddOverflow(inSum, uint256.NewInt(0).SetBytes32(in.Amount[:]))
		overflow |= boolToInt(o)
	}

	outSum := uint256.NewInt(0).SetBytes32(p.Fee[:])
	for _, out := range p.Outputs {
		_, o := outSum.AddOverflow(outSum, uint256.NewInt(0).SetBytes32(out.Amount[:]))
		overflow |= boolToInt(o)
	}

	inBytes := inSum.Bytes32()
	outBytes := outSum.Bytes32()
	equal := subtle.ConstantTimeCompare(inBytes[:], outBytes[:])
	return equal&(overflow^1) == 1
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// signaturesVerify checks every input signature over the shared signing
// digest. All inputs are evaluated even after a failure.
func signaturesVerify(p *Payload) bool {
	digest, err := SigningDigest(p)
	if err != nil {
		return false
	}
	ok := true
	for _, in := range p.Inputs {
		if !crypto.VerifySignature(in.PubKey, digest[:], in.Signature) {
			ok = false
		}
	}
	return ok
}

func feeValue(p *Payload) uint64 {
	fee := uint256.NewInt(0).SetBytes32(p.Fee[:])
	if !fee.IsUint64() {
		return ^uint64(0)
	}
	return fee.Uint64()
}
