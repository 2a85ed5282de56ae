package fibonacci

import (
	"fmt"
)

// MaxIndex is the largest index the service computes. Compute works on uint64,
// where the largest representable term is F(93); the public bound stays at 90
// and must be recomputed if the result type ever changes.
const MaxIndex uint64 = 90

// InputTooLargeError is returned when an index exceeds MaxIndex.
type InputTooLargeError struct {
	Index uint64
	Max   uint64
}

func (e *InputTooLargeError) Error() string {
	return fmt.Sprintf("Number too large. Maximum is %d.", e.Max)
}

// Result is a single computed term together with how long the computation took.
type Result struct {
	Number            uint64 `json:"number"`
	Result            uint64 `json:"result"`
	CalculationTimeNs int64  `json:"calculation_time_ns"`
}

// Compute returns the nth Fibonacci number iteratively.
// Callers must keep n <= MaxIndex; no overflow checking is done here.
func Compute(n uint64) uint64 {
	if n < 2 {
		return n
	}

	var prev, cur uint64 = 0, 1
	for i := uint64(2); i <= n; i++ {
		prev, cur = cur, prev+cur
	}
	return cur
}

// Validate reports whether n is within the supported bound.
func Validate(n uint64) error {
	if n > MaxIndex {
		return &InputTooLargeError{Index: n, Max: MaxIndex}
	}
	return nil
}
