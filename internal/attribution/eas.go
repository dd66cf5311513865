package attribution

import (
	"github.com/ashita-ai/kioku/internal/vecmath"
)

// EAS computes the closed-form Embedding Attribution Score for each memory:
//
//	raw_i = max(cos(m_i, response), 0) * max(cos(m_i, query), 0)
//	a_i   = raw_i / sum(raw)
//
// Negative cosines are clamped to zero: a memory pointing away from the query
// or response is irrelevant, not anti-evidence. When every raw score is zero
// the result is uniform 1/k. Output order matches input order; cost is O(k*d)
// with no oracle calls.
func EAS(memories [][]float32, query, response []float32) ([]float64, error) {
	if len(memories) == 0 {
		return nil, ErrEmptyRetrievedSet
	}

	raw := make([]float64, len(memories))
	var total float64
	for i, m := range memories {
		cr, err := vecmath.Cosine(m, response)
		if err != nil {
			return nil, err
		}
		cq, err := vecmath.Cosine(m, query)
		if err != nil {
			return nil, err
		}
		raw[i] = max(cr, 0) * max(cq, 0)
		total += raw[i]
	}

	scores := make([]float64, len(memories))
	if total == 0 {
		uniform := 1 / float64(len(memories))
		for i := range scores {
			scores[i] = uniform
		}
		return scores, nil
	}
	for i := range raw {
		scores[i] = raw[i] / total
	}
	return scores, nil
}
