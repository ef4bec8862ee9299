// Package seqid generates the monotonic, lexicographically sortable
// sequence ids used to key aggregation result documents, and the sampling
// reduction that buckets many raw events into one stored result per
// sampling interval.
package seqid

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new sequence id for the given time. Ids created for
// non-decreasing times sort lexicographically in creation order.
func New(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t.UTC()), entropy).String()
}

// Now returns a new sequence id for the current time.
func Now() string {
	return New(time.Now())
}

// Time extracts the epoch-millisecond time component of a sequence id.
// Unparseable ids yield 0.
func Time(id string) int64 {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return 0
	}
	return int64(parsed.Time())
}

// Sample reduces a sequence id to the start of its sampling interval with
// zeroed entropy, so every event inside one interval maps to the same
// stored-document key. A non-positive width returns the id unchanged.
func Sample(id string, width time.Duration) string {
	if width <= 0 {
		return id
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return id
	}
	t := time.UnixMilli(int64(parsed.Time())).UTC().Truncate(width)
	var sampled ulid.ULID
	if err := sampled.SetTime(ulid.Timestamp(t)); err != nil {
		return id
	}
	return sampled.String()
}

// Pad16 renders an epoch-millisecond time as a 16-digit zero-padded
// string, keeping time-keyed document ids lexicographically sortable.
func Pad16(t int64) string {
	return fmt.Sprintf("%016d", t)
}
