package verdict

import "sort"

// Tuple is a single member of a decision cache entry's sequence: a
// verdict kind, its absolute expiry (unix seconds), and the id of the
// LAPI decision that produced it.
type Tuple struct {
	Kind       Kind  `json:"kind"`
	ExpiryUnix int64 `json:"expiry_unix"`
	DecisionID int64 `json:"decision_id"`
}

// SortByPriority sorts seq by descending kind priority, stable on ties
// (later expiry first, then larger decision id), in place, and returns it.
func SortByPriority(seq []Tuple) []Tuple {
	sort.SliceStable(seq, func(i, j int) bool {
		return Less(seq[i].Kind, seq[j].Kind, seq[i].ExpiryUnix, seq[j].ExpiryUnix, seq[i].DecisionID, seq[j].DecisionID)
	})
	return seq
}

// MaxExpiry returns the largest ExpiryUnix among seq, or 0 for an empty
// sequence.
func MaxExpiry(seq []Tuple) int64 {
	var max int64
	for _, t := range seq {
		if t.ExpiryUnix > max {
			max = t.ExpiryUnix
		}
	}
	return max
}

// Highest returns the highest-priority tuple's kind, or Bypass if seq is
// empty.
func Highest(seq []Tuple) Kind {
	if len(seq) == 0 {
		return Bypass
	}
	return seq[0].Kind
}
