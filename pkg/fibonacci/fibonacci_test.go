package fibonacci

import (
	"errors"
	"math/bits"
	"testing"
)

func TestCompute_KnownValues(t *testing.T) {
	tests := []struct {
		n    uint64
		want uint64
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 2},
		{10, 55},
		{20, 6765},
		{50, 12586269025},
		{70, 190392490709135},
		{90, 2880067194370816120},
	}

	for _, tt := range tests {
		if got := Compute(tt.n); got != tt.want {
			t.Errorf("Compute(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestCompute_Recurrence(t *testing.T) {
	for n := uint64(2); n <= MaxIndex; n++ {
		want := Compute(n-1) + Compute(n-2)
		if got := Compute(n); got != want {
			t.Fatalf("Compute(%d) = %d, want Compute(%d)+Compute(%d) = %d", n, got, n-1, n-2, want)
		}
	}
}

func TestMaxIndex_FitsUint64(t *testing.T) {
	// Walk the sequence with carry detection to find the last term that fits.
	var prev, cur uint64 = 0, 1
	largest := uint64(1)
	for n := uint64(2); ; n++ {
		next, carry := bits.Add64(prev, cur, 0)
		if carry != 0 {
			break
		}
		prev, cur = cur, next
		largest = n
	}

	if largest != 93 {
		t.Errorf("Expected F(93) to be the last uint64 term, got F(%d)", largest)
	}
	if MaxIndex > largest {
		t.Fatalf("MaxIndex %d exceeds largest representable index %d", MaxIndex, largest)
	}

	_, carry := bits.Add64(Compute(MaxIndex-1), Compute(MaxIndex-2), 0)
	if carry != 0 {
		t.Errorf("Compute(%d) overflowed uint64", MaxIndex)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(0); err != nil {
		t.Errorf("Validate(0) returned error: %v", err)
	}
	if err := Validate(MaxIndex); err != nil {
		t.Errorf("Validate(%d) returned error: %v", MaxIndex, err)
	}

	err := Validate(MaxIndex + 1)
	var tooLarge *InputTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("Validate(%d) = %v, want *InputTooLargeError", MaxIndex+1, err)
	}
	if tooLarge.Index != MaxIndex+1 || tooLarge.Max != MaxIndex {
		t.Errorf("Unexpected error fields: %+v", tooLarge)
	}
	if got, want := err.Error(), "Number too large. Maximum is 90."; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func BenchmarkCompute(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Compute(MaxIndex)
	}
}
