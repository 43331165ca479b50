package groupkey

import (
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jimmyyip-crypto/chain/shared"
)

func newTestPlatform(t *testing.T) *shared.SoftwarePlatform {
	t.Helper()
	rootKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate root key: %v", err)
	}
	sealRoot := make([]byte, 32)
	if _, err := rand.Read(sealRoot); err != nil {
		t.Fatalf("failed to generate seal root: %v", err)
	}
	platform, err := shared.NewSoftwarePlatform("validator", rootKey, sealRoot)
	if err != nil {
		t.Fatalf("failed to create platform: %v", err)
	}
	return platform
}

func TestSealedStoreRoundTrip(t *testing.T) {
	platform := newTestPlatform(t)
	path := filepath.Join(t.TempDir(), "epochs.db")

	ss, err := OpenSealedStore(path, platform)
	if err != nil {
		t.Fatalf("OpenSealedStore failed: %v", err)
	}

	var epochs []*Epoch
	for n := uint64(1); n <= 3; n++ {
		e := &Epoch{Number: n, Members: []Member{testMember(0x01)}}
		e.Key[0] = byte(n)
		if err := ss.Put(e); err != nil {
			t.Fatalf("Put(%d) failed: %v", n, err)
		}
		epochs = append(epochs, e)
	}
	if err := ss.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen and restore through NewStore to exercise the load path.
	ss, err = OpenSealedStore(path, platform)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer ss.Close()

	store, err := NewStore(shared.NewNopLogger(), ss, time.Second, nil, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if store.State() != StateSynced {
		t.Fatal("restored store should be synced")
	}
	for _, want := range epochs {
		got, err := store.KeyForEpoch(want.Number)
		if err != nil {
			t.Fatalf("KeyForEpoch(%d) failed: %v", want.Number, err)
		}
		if got != want.Key {
			t.Errorf("epoch %d key diverges after restore", want.Number)
		}
	}
}

func TestSealedStoreRejectsForeignMeasurement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochs.db")

	ss, err := OpenSealedStore(path, newTestPlatform(t))
	if err != nil {
		t.Fatalf("OpenSealedStore failed: %v", err)
	}
	e := &Epoch{Number: 1, Members: []Member{testMember(0x01)}}
	if err := ss.Put(e); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := ss.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A different platform identity must not be able to unseal the file.
	other, err := OpenSealedStore(path, newTestPlatform(t))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer other.Close()
	if _, err := other.Load(); err == nil {
		t.Fatal("foreign platform unsealed the epoch history")
	}
}

func TestSealedStorePrune(t *testing.T) {
	platform := newTestPlatform(t)
	path := filepath.Join(t.TempDir(), "epochs.db")

	ss, err := OpenSealedStore(path, platform)
	if err != nil {
		t.Fatalf("OpenSealedStore failed: %v", err)
	}
	defer ss.Close()

	for n := uint64(1); n <= 5; n++ {
		if err := ss.Put(&Epoch{Number: n}); err != nil {
			t.Fatalf("Put(%d) failed: %v", n, err)
		}
	}
	if err := ss.Prune(4); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	epochs, err := ss.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(epochs) != 2 || epochs[0].Number != 4 {
		t.Errorf("unexpected epochs after prune: %d starting at %d", len(epochs), epochs[0].Number)
	}
}
