package txvalidator

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jimmyyip-crypto/chain/groupkey"
	"github.com/jimmyyip-crypto/chain/metrics"
	"github.com/jimmyyip-crypto/chain/shared"
	"github.com/jimmyyip-crypto/chain/viewfilter"
)

type fakeKeys map[uint64][groupkey.KeySize]byte

func (f fakeKeys) KeyForEpoch(n uint64) ([groupkey.KeySize]byte, error) {
	key, ok := f[n]
	if !ok {
		return key, fmt.Errorf("epoch %d: %w", n, groupkey.ErrUnknownEpoch)
	}
	return key, nil
}

type txFixture struct {
	keys      fakeKeys
	spent     *MemorySpentSet
	store     *OutputStore
	validator *Validator
	epochKey  [groupkey.KeySize]byte
}

func newTxFixture(t *testing.T) *txFixture {
	t.Helper()

	f := &txFixture{
		keys:  make(fakeKeys),
		spent: NewMemorySpentSet(),
		store: NewOutputStore(),
	}
	if _, err := rand.Read(f.epochKey[:]); err != nil {
		t.Fatalf("failed to generate epoch key: %v", err)
	}
	f.keys[1] = f.epochKey

	v, err := New(f.keys, f.spent, f.store, shared.NewNopLogger(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.validator = v
	return f
}

// buildTx assembles and signs a payload, then seals it under epoch 1.
func (f *txFixture) buildTx(t *testing.T, inputAmounts, outputAmounts []uint64, fee uint64) (*SealedTx, *Payload, []*ecdsa.PrivateKey) {
	t.Helper()

	payload := &Payload{Fee: AmountBytes(fee)}
	var owners []*ecdsa.PrivateKey
	for _, amount := range inputAmounts {
		owner, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("failed to generate owner key: %v", err)
		}
		owners = append(owners, owner)

		var ref InputRef
		if _, err := rand.Read(ref[:]); err != nil {
			t.Fatalf("failed to generate input ref: %v", err)
		}
		payload.Inputs = append(payload.Inputs, TxInput{
			Ref:    ref,
			Amount: AmountBytes(amount),
			PubKey: crypto.CompressPubkey(&owner.PublicKey),
		})
	}
	for _, amount := range outputAmounts {
		viewKey, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("failed to generate view key: %v", err)
		}
		payload.Outputs = append(payload.Outputs, TxOutput{
			Amount:     AmountBytes(amount),
			ViewPubKey: crypto.CompressPubkey(&viewKey.PublicKey),
		})
	}

	signPayload(t, payload, owners)
	return sealPayload(t, payload, f.epochKey), payload, owners
}

func signPayload(t *testing.T, payload *Payload, owners []*ecdsa.PrivateKey) {
	t.Helper()
	digest, err := SigningDigest(payload)
	if err != nil {
		t.Fatalf("SigningDigest failed: %v", err)
	}
	for i := range payload.Inputs {
		sig, err := crypto.Sign(digest[:], owners[i])
		if err != nil {
			t.Fatalf("failed to sign input %d: %v", i, err)
		}
		payload.Inputs[i].Signature = sig[:64]
	}
}

func sealPayload(t *testing.T, payload *Payload, key [groupkey.KeySize]byte) *SealedTx {
	t.Helper()
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("failed to generate nonce: %v", err)
	}
	tx, err := Seal(payload, 1, key, nonce)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return tx
}

func TestValidateBalancedTransaction(t *testing.T) {
	f := newTxFixture(t)

	tx, payload, _ := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
	verdict, err := f.validator.Validate(tx)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if verdict.Outcome != Valid {
		t.Fatalf("outcome = %v, want Valid", verdict.Outcome)
	}
	if verdict.Fee != 10 || verdict.InputCount != 1 || verdict.OutputCount != 1 {
		t.Errorf("metadata mismatch: fee=%d in=%d out=%d", verdict.Fee, verdict.InputCount, verdict.OutputCount)
	}
	if len(verdict.Tags) != 1 {
		t.Fatalf("expected 1 view tag, got %d", len(verdict.Tags))
	}
	want := viewfilter.TagFor(payload.Outputs[0].ViewPubKey, tx.ID())
	if verdict.Tags[0] != want {
		t.Error("view tag does not match output view key")
	}

	// The output landed in the query store under its tag.
	outs := f.store.ByTag(want)
	if len(outs) != 1 || outs[0].TxID != tx.ID() {
		t.Error("output store missing validated output")
	}

	// Inputs are now marked spent.
	spent, err := f.spent.IsSpent(payload.Inputs[0].Ref)
	if err != nil || !spent {
		t.Error("input not marked spent after Valid verdict")
	}
}

func TestValidateMultiInputOutput(t *testing.T) {
	f := newTxFixture(t)

	tx, _, _ := f.buildTx(t, []uint64{60, 40}, []uint64{30, 30, 30}, 10)
	verdict, err := f.validator.Validate(tx)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if verdict.Outcome != Valid {
		t.Fatalf("outcome = %v, want Valid", verdict.Outcome)
	}
	if verdict.InputCount != 2 || verdict.OutputCount != 3 || len(verdict.Tags) != 3 {
		t.Error("metadata mismatch for multi-input transaction")
	}
}

func TestValidateInvalidBalance(t *testing.T) {
	f := newTxFixture(t)

	tx, payload, _ := f.buildTx(t, []uint64{100}, []uint64{95}, 10)
	verdict, err := f.validator.Validate(tx)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if verdict.Outcome != InvalidBalance {
		t.Fatalf("outcome = %v, want InvalidBalance", verdict.Outcome)
	}
	if verdict.Public() != PublicRejected {
		t.Error("InvalidBalance must surface as the coarse rejected category")
	}

	// Rejected inputs stay unspent.
	spent, err := f.spent.IsSpent(payload.Inputs[0].Ref)
	if err != nil || spent {
		t.Error("rejected transaction must not mark inputs spent")
	}
}

func TestValidateReplay(t *testing.T) {
	f := newTxFixture(t)

	tx, payload, owners := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
	if verdict, err := f.validator.Validate(tx); err != nil || verdict.Outcome != Valid {
		t.Fatalf("first spend should be Valid, got %v, %v", verdict, err)
	}

	// A second transaction spending the same ref is Replay regardless of
	// amounts.
	second := &Payload{
		Inputs: []TxInput{{
			Ref:    payload.Inputs[0].Ref,
			Amount: AmountBytes(100),
			PubKey: payload.Inputs[0].PubKey,
		}},
		Outputs: []TxOutput{{Amount: AmountBytes(100), ViewPubKey: payload.Outputs[0].ViewPubKey}},
	}
	signPayload(t, second, owners)
	verdict, err := f.validator.Validate(sealPayload(t, second, f.epochKey))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if verdict.Outcome != Replay {
		t.Fatalf("outcome = %v, want Replay", verdict.Outcome)
	}
}

func TestValidateDuplicateInputWithinTransaction(t *testing.T) {
	f := newTxFixture(t)

	_, payload, owners := f.buildTx(t, []uint64{50}, []uint64{90}, 10)
	payload.Inputs = append(payload.Inputs, payload.Inputs[0])
	owners = append(owners, owners[0])
	signPayload(t, payload, owners)

	verdict, err := f.validator.Validate(sealPayload(t, payload, f.epochKey))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if verdict.Outcome != Replay {
		t.Fatalf("outcome = %v, want Replay for duplicate input", verdict.Outcome)
	}
}

func TestValidateUnknownEpoch(t *testing.T) {
	f := newTxFixture(t)

	tx, _, _ := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
	tx.Epoch = 99
	verdict, err := f.validator.Validate(tx)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if verdict.Outcome != UnknownEpoch {
		t.Fatalf("outcome = %v, want UnknownEpoch", verdict.Outcome)
	}
}

func TestValidateMalformedPayload(t *testing.T) {
	f := newTxFixture(t)

	t.Run("tampered ciphertext", func(t *testing.T) {
		tx, _, _ := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
		tx.Ciphertext[0] ^= 0x01
		verdict, err := f.validator.Validate(tx)
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if verdict.Outcome != MalformedPayload {
			t.Fatalf("outcome = %v, want MalformedPayload", verdict.Outcome)
		}
	})

	t.Run("sealed under wrong key", func(t *testing.T) {
		var wrongKey [groupkey.KeySize]byte
		if _, err := rand.Read(wrongKey[:]); err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		_, payload, _ := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
		tx := sealPayload(t, payload, wrongKey)
		verdict, err := f.validator.Validate(tx)
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if verdict.Outcome != MalformedPayload {
			t.Fatalf("outcome = %v, want MalformedPayload", verdict.Outcome)
		}
	})

	t.Run("empty outputs", func(t *testing.T) {
		_, payload, owners := f.buildTx(t, []uint64{10}, []uint64{5}, 5)
		payload.Outputs = nil
		payload.Fee = AmountBytes(10)
		signPayload(t, payload, owners)
		verdict, err := f.validator.Validate(sealPayload(t, payload, f.epochKey))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if verdict.Outcome != MalformedPayload {
			t.Fatalf("outcome = %v, want MalformedPayload", verdict.Outcome)
		}
	})
}

func TestValidateInvalidSignature(t *testing.T) {
	f := newTxFixture(t)

	t.Run("tampered signature", func(t *testing.T) {
		_, payload, _ := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
		payload.Inputs[0].Signature[0] ^= 0x01
		verdict, err := f.validator.Validate(sealPayload(t, payload, f.epochKey))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if verdict.Outcome != InvalidSignature {
			t.Fatalf("outcome = %v, want InvalidSignature", verdict.Outcome)
		}
		if verdict.Public() != PublicRejected {
			t.Error("InvalidSignature must surface as the coarse rejected category")
		}
	})

	t.Run("foreign signer", func(t *testing.T) {
		_, payload, _ := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
		intruder, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		signPayload(t, payload, []*ecdsa.PrivateKey{intruder})
		verdict, err := f.validator.Validate(sealPayload(t, payload, f.epochKey))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if verdict.Outcome != InvalidSignature {
			t.Fatalf("outcome = %v, want InvalidSignature", verdict.Outcome)
		}
	})

	t.Run("signature does not cover outputs", func(t *testing.T) {
		_, payload, _ := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
		// Redirect the output after signing.
		otherView, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		payload.Outputs[0].ViewPubKey = crypto.CompressPubkey(&otherView.PublicKey)
		verdict, err := f.validator.Validate(sealPayload(t, payload, f.epochKey))
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if verdict.Outcome != InvalidSignature {
			t.Fatalf("outcome = %v, want InvalidSignature", verdict.Outcome)
		}
	})
}

func TestPoolConcurrentSubmit(t *testing.T) {
	f := newTxFixture(t)
	pool := NewPool(f.validator, 4)
	defer pool.Close()

	const count = 32
	var wg sync.WaitGroup
	verdicts := make([]*Verdict, count)
	errs := make([]error, count)
	txs := make([]*SealedTx, count)
	for i := 0; i < count; i++ {
		txs[i], _, _ = f.buildTx(t, []uint64{100}, []uint64{90}, 10)
	}

	wg.Add(count)
	for i := 0; i < count; i++ {
		go func(i int) {
			defer wg.Done()
			verdicts[i], errs[i] = pool.Submit(context.Background(), txs[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < count; i++ {
		if errs[i] != nil {
			t.Fatalf("Submit %d failed: %v", i, errs[i])
		}
		if verdicts[i].Outcome != Valid {
			t.Errorf("verdict %d = %v, want Valid", i, verdicts[i].Outcome)
		}
	}
}

func TestPoolClosed(t *testing.T) {
	f := newTxFixture(t)
	pool := NewPool(f.validator, 1)
	pool.Close()

	tx, _, _ := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
	if _, err := pool.Submit(context.Background(), tx); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestValidateInstrumentsVerdicts(t *testing.T) {
	f := newTxFixture(t)
	m := metrics.NewNodeMetrics()
	v, err := New(f.keys, f.spent, f.store, shared.NewNopLogger(), &m)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	validBefore := testutil.ToFloat64(m.Verdicts(Valid.String()))
	rejectedBefore := testutil.ToFloat64(m.Verdicts(InvalidBalance.String()))
	samplesBefore := validateSampleCount(t, m)

	tx, _, _ := f.buildTx(t, []uint64{100}, []uint64{90}, 10)
	if _, err := v.Validate(tx); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	unbalanced, _, _ := f.buildTx(t, []uint64{100}, []uint64{95}, 10)
	if _, err := v.Validate(unbalanced); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if got := testutil.ToFloat64(m.Verdicts(Valid.String())); got != validBefore+1 {
		t.Errorf("Valid verdicts = %v, want %v", got, validBefore+1)
	}
	if got := testutil.ToFloat64(m.Verdicts(InvalidBalance.String())); got != rejectedBefore+1 {
		t.Errorf("InvalidBalance verdicts = %v, want %v", got, rejectedBefore+1)
	}
	if got := validateSampleCount(t, m); got != samplesBefore+2 {
		t.Errorf("validation latency samples = %d, want %d", got, samplesBefore+2)
	}
}

func validateSampleCount(t *testing.T, m metrics.NodeMetrics) uint64 {
	t.Helper()
	var dm dto.Metric
	if err := m.ValidateLatencies().Write(&dm); err != nil {
		t.Fatalf("failed to read histogram: %v", err)
	}
	return dm.Histogram.GetSampleCount()
}
