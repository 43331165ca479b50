package attestation

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jimmyyip-crypto/chain/shared"
)

// AllowList is the set of enclave measurements currently trusted. Multiple
// measurements may be trusted at once so rolling upgrades can keep the old
// and new images valid during a deploy window; entries may carry an expiry
// marking the end of that window.
type AllowList struct {
	mu      sync.RWMutex
	entries map[[shared.MeasurementSize]byte]time.Time // zero time = no expiry
}

// NewAllowList builds an allow-list from hex-encoded measurements with no
// expiry.
func NewAllowList(hexMeasurements []string) (*AllowList, error) {
	al := &AllowList{entries: make(map[[shared.MeasurementSize]byte]time.Time)}
	for _, h := range hexMeasurements {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("invalid measurement %q: %w", h, err)
		}
		if len(raw) != shared.MeasurementSize {
			return nil, fmt.Errorf("invalid measurement length %d for %q", len(raw), h)
		}
		var m [shared.MeasurementSize]byte
		copy(m[:], raw)
		al.entries[m] = time.Time{}
	}
	return al, nil
}

// Add trusts a measurement. A zero expiry keeps it trusted indefinitely.
func (al *AllowList) Add(m [shared.MeasurementSize]byte, expiry time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.entries[m] = expiry
}

// Remove revokes a measurement.
func (al *AllowList) Remove(m [shared.MeasurementSize]byte) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.entries, m)
}

// Contains reports whether the measurement is trusted at the given time.
func (al *AllowList) Contains(m [shared.MeasurementSize]byte, now time.Time) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()
	expiry, ok := al.entries[m]
	if !ok {
		return false
	}
	return expiry.IsZero() || now.Before(expiry)
}

// Len returns the number of trusted measurements.
func (al *AllowList) Len() int {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return len(al.entries)
}
