package memory

import "sort"

// DefaultRRFK is the reciprocal-rank-fusion constant.
const DefaultRRFK = 60

// fusionList accumulates reciprocal-rank-fusion scores across ranked lists.
// Ties keep first-seen order: items are emitted in the order they first
// entered the fusion, reordered only by strictly higher scores.
type fusionList struct {
	k      int
	scores map[string]float64
	order  []string
}

func newFusion(k int) *fusionList {
	if k <= 0 {
		k = DefaultRRFK
	}
	return &fusionList{k: k, scores: make(map[string]float64)}
}

// AddList folds one ranked list (best first) into the fusion. An empty list
// is a no-op. Adding an id again only increases its cumulative score.
func (f *fusionList) AddList(ids []string) {
	for rank, id := range ids {
		if _, seen := f.scores[id]; !seen {
			f.order = append(f.order, id)
		}
		f.scores[id] += 1.0 / float64(f.k+rank+1)
	}
}

// AddScored folds pre-scored items (already fused elsewhere) into the list.
func (f *fusionList) AddScored(id string, score float64) {
	if _, seen := f.scores[id]; !seen {
		f.order = append(f.order, id)
	}
	f.scores[id] += score
}

// Score returns the cumulative score of an id.
func (f *fusionList) Score(id string) float64 { return f.scores[id] }

// Ranked returns ids by descending score, first-seen order on ties.
func (f *fusionList) Ranked() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	sort.SliceStable(out, func(i, j int) bool {
		return f.scores[out[i]] > f.scores[out[j]]
	})
	return out
}
