package schedule

import "golang.org/x/exp/constraints"

func atMost[T constraints.Ordered](v, hi T) T {
	if v > hi {
		return hi
	}
	return v
}

// floorNonZero raises a positive v to lo; zero and negatives pass through.
func floorNonZero[T constraints.Integer | constraints.Float](v, lo T) T {
	if v > 0 && v < lo {
		return lo
	}
	return v
}
