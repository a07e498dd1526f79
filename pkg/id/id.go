package id

import (
	cryptoRand "crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader = ulid.Monotonic(cryptoRand.Reader, 0)
)

// New returns a ULID string stamped with the current time.
//
// ULIDs sort lexicographically by creation time, so ledger rows keyed by them
// come back in insertion order without a secondary sort column.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID stamped with t. IDs generated within the same
// millisecond remain strictly increasing.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		// Only reachable if entropy is exhausted within one millisecond.
		panic(err)
	}
	return id.String()
}

// Prefixed returns New() with a short, lowercase record prefix, e.g. "trd_01J...".
func Prefixed(prefix string) string {
	return strings.ToLower(prefix) + "_" + New()
}

// Time extracts the timestamp embedded in an ID produced by New or Prefixed.
func Time(s string) (time.Time, error) {
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
