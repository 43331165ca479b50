package viewfilter

import (
	"testing"
)

func TestIndexBuildsAtConfiguredRate(t *testing.T) {
	var blockID [32]byte
	blockID[0] = 0x33
	tags := make([]ViewTag, 0, 64)
	for i := 0; i < 64; i++ {
		var tag ViewTag
		tag[0] = byte(i)
		tag[7] = 0xA5
		tags = append(tags, tag)
	}

	loose := NewIndex(0.1)
	tight := NewIndex(0.001)
	lf := loose.Build(5, blockID, tags)
	tf := tight.Build(5, blockID, tags)

	for _, tag := range tags {
		if !lf.Test(tag) || !tf.Test(tag) {
			t.Fatal("built filter misses an inserted tag")
		}
	}
	// A tighter target rate needs more bits for the same tag set.
	if lf.m >= tf.m {
		t.Errorf("filter sizes %d and %d do not reflect the configured rates", lf.m, tf.m)
	}

	got, ok := loose.AtHeight(5)
	if !ok || got != lf {
		t.Error("Build did not register the filter at its height")
	}
}

func TestIndexDefaultRate(t *testing.T) {
	for _, rate := range []float64{0, -0.5, 1, 1.5} {
		if idx := NewIndex(rate); idx.fpRate != DefaultFalsePositiveRate {
			t.Errorf("NewIndex(%v) rate = %v, want default %v", rate, idx.fpRate, DefaultFalsePositiveRate)
		}
	}
}
