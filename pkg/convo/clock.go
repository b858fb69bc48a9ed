package convo

import (
	"sync/atomic"
	"time"
)

// lastNano tracks the most recently issued timestamp so that issued values
// are strictly increasing even when the wall clock stalls or a caller
// supplies an arrival time at or before the previous turn. The increment is
// the insertion-sequence tiebreak: equal arrival times get consecutive
// nanosecond slots in arrival order.
var lastNano atomic.Int64

// monotonicNano converts an arrival time into a strictly increasing Unix
// nanosecond timestamp. The zero time means "now".
func monotonicNano(at time.Time) int64 {
	want := at.UnixNano()
	if at.IsZero() {
		want = time.Now().UnixNano()
	}
	for {
		old := lastNano.Load()
		next := want
		if next <= old {
			next = old + 1
		}
		if lastNano.CompareAndSwap(old, next) {
			return next
		}
	}
}
