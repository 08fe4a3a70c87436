package transport

import (
	"math"
	"strconv"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func TestSelectChannel_SingleChannel(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1} {
		if got := SelectChannel("A", "id", n); got != 0 {
			t.Errorf("n=%d: expected 0, got %d", n, got)
		}
	}
}

func TestSelectChannel_KeyAffinity(t *testing.T) {
	t.Parallel()

	const n = 3
	first := SelectChannel("A", "id-1", n)
	for i := range 100 {
		if got := SelectChannel("A", "id-"+strconv.Itoa(i), n); got != first {
			t.Fatalf("key A routed to %d and %d", first, got)
		}
	}
}

func TestSelectChannel_FallsBackToID(t *testing.T) {
	t.Parallel()

	if SelectChannel("", "msg-42", 7) != SelectChannel("msg-42", "other", 7) {
		t.Error("Expected unkeyed message to hash its id")
	}
}

func TestSelectChannel_SpreadsUnkeyed(t *testing.T) {
	t.Parallel()

	const n = 4
	hits := make([]int, n)
	for i := range 1000 {
		hits[SelectChannel("", "id-"+strconv.Itoa(i), n)]++
	}
	for idx, c := range hits {
		if c == 0 {
			t.Errorf("channel %d never selected", idx)
		}
	}
}

func TestSelectChannel_NegativeHash(t *testing.T) {
	t.Parallel()

	var key string
	for i := 0; ; i++ {
		k := "key-" + strconv.Itoa(i)
		if int64(xxhash.Sum64String(k)) < 0 {
			key = k
			break
		}
	}

	for n := 2; n <= 16; n++ {
		got := SelectChannel(key, "", n)
		if got < 0 || got >= n {
			t.Errorf("n=%d: index %d out of range", n, got)
		}
	}
}

func TestReduce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		h    int64
		n    int
		want int
	}{
		{h: 7, n: 3, want: 1},
		{h: -7, n: 3, want: 1},
		{h: 0, n: 5, want: 0},
		{h: math.MinInt64, n: 3, want: 2},
		{h: math.MaxInt64, n: 3, want: 1},
	}

	for _, tt := range tests {
		got := reduce(tt.h, tt.n)
		if got != tt.want {
			t.Errorf("reduce(%d, %d) = %d, want %d", tt.h, tt.n, got, tt.want)
		}
		if got < 0 || got >= tt.n {
			t.Errorf("reduce(%d, %d) = %d out of range", tt.h, tt.n, got)
		}
	}
}
