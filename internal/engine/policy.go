package engine

import "math/rand"

// Candidate is a live worker with spare capacity, offered to the selection
// policy together with its current load.
type Candidate struct {
	WorkerID string
	Assigned int
}

// PickWorker selects one worker from a non-empty candidate list. The policy
// is injected so it can be swapped (random, round-robin, least-loaded)
// without touching the dispatch loop.
type PickWorker func(candidates []Candidate) string

// PickRandom selects uniformly at random. The default: load is already
// bounded per worker, and random tie-breaking avoids head-of-line bias
// toward the first worker.
func PickRandom(candidates []Candidate) string {
	return candidates[rand.Intn(len(candidates))].WorkerID
}

// PickLeastLoaded selects the candidate with the fewest assigned items,
// breaking ties by list order.
func PickLeastLoaded(candidates []Candidate) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Assigned < best.Assigned {
			best = c
		}
	}
	return best.WorkerID
}
