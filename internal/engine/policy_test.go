package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPickRandomStaysWithinCandidates(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{WorkerID: "w1", Assigned: 0},
		{WorkerID: "w2", Assigned: 1},
		{WorkerID: "w3", Assigned: 2},
	}
	valid := map[string]bool{"w1": true, "w2": true, "w3": true}

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := PickRandom(candidates)
		assert.True(t, valid[id], "picked unknown worker %q", id)
		seen[id] = true
	}
	// 200 uniform draws over 3 workers hit all of them.
	assert.Len(t, seen, 3)
}

func TestPickRandomSingleCandidate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "only", PickRandom([]Candidate{{WorkerID: "only"}}))
}

func TestPickLeastLoaded(t *testing.T) {
	t.Parallel()

	got := PickLeastLoaded([]Candidate{
		{WorkerID: "w1", Assigned: 3},
		{WorkerID: "w2", Assigned: 1},
		{WorkerID: "w3", Assigned: 2},
	})
	assert.Equal(t, "w2", got)

	// Ties break by list order.
	got = PickLeastLoaded([]Candidate{
		{WorkerID: "w1", Assigned: 1},
		{WorkerID: "w2", Assigned: 1},
	})
	assert.Equal(t, "w1", got)
}
