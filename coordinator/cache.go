package coordinator

import (
	"sort"

	"github.com/fedgen/fedgen/model"
)

// roundCache holds the updates collected for one attempt of a round, at most
// one per node.
type roundCache struct {
	round   uint64
	attempt int
	updates map[string]*model.Update
}

func newRoundCache(round uint64, attempt int) *roundCache {
	return &roundCache{
		round:   round,
		attempt: attempt,
		updates: make(map[string]*model.Update),
	}
}

// matches reports whether u was produced for this cache's round and attempt.
func (r *roundCache) matches(u *model.Update) bool {
	return u.Round == r.round && u.Attempt == r.attempt
}

// append stores the update and returns true if the node has not already
// contributed to this round. The first update of a node wins.
func (r *roundCache) append(u *model.Update) bool {
	if _, seen := r.updates[u.NodeID]; seen {
		return false
	}
	r.updates[u.NodeID] = u
	return true
}

// Len shows how many nodes contributed
func (r *roundCache) Len() int {
	return len(r.updates)
}

// Nodes returns the contributing node ids, sorted.
func (r *roundCache) Nodes() []string {
	ids := make([]string, 0, len(r.updates))
	for id := range r.updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Updates returns the cached updates in node id order.
func (r *roundCache) Updates() []*model.Update {
	ids := r.Nodes()
	out := make([]*model.Update, len(ids))
	for i, id := range ids {
		out[i] = r.updates[id]
	}
	return out
}

// samples returns the total and the largest sample counts of the cache.
func (r *roundCache) samples() (total, largest int) {
	for _, u := range r.updates {
		total += u.NSamples
		if u.NSamples > largest {
			largest = u.NSamples
		}
	}
	return total, largest
}

// evaluation returns the sample weighted loss and accuracy the nodes reported
// for the broadcast model.
func (r *roundCache) evaluation() (loss, accuracy float64) {
	total, _ := r.samples()
	if total == 0 {
		return 0, 0
	}
	for _, u := range r.Updates() {
		share := float64(u.NSamples) / float64(total)
		loss += u.Loss * share
		accuracy += u.Accuracy * share
	}
	return loss, accuracy
}
