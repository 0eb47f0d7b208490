package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeProvider struct{ n int }

func (f fakeProvider) Stats() Counters {
	return Counters{Component: "fake", Values: [][2]string{{"n", I(f.n)}}}
}

func TestCollectOnlyGathersProviders(t *testing.T) {
	snap := Collect(fakeProvider{n: 3}, "not a provider", 42)
	assert.Len(t, snap, 1)
	assert.Equal(t, "fake", snap[0].Component)
}

func TestStringRendersEmptySnapshot(t *testing.T) {
	var snap Snapshot
	assert.Contains(t, snap.String(), "no stats providers")
}

func TestStringRendersCounters(t *testing.T) {
	snap := Collect(fakeProvider{n: 7})
	out := snap.String()
	assert.Contains(t, out, "fake")
	assert.Contains(t, out, "7")
}
