// Package ids generates the message and conversation identifiers.
//
// Identifiers are 26 characters wide and sort lexicographically in creation
// order for a single generator, so stores can paginate and compare watermarks
// with plain string comparison.
package ids

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Length is the fixed width of every identifier.
const Length = 26

// Kind selects a generator implementation.
type Kind string

const (
	KindULID    Kind = "ulid"
	KindCounter Kind = "counter"
)

var ErrMalformed = errors.New("ids: malformed identifier")

// Generator hands out identifiers. Implementations are safe for concurrent use.
type Generator interface {
	Next() string
}

// New returns the generator for kind. Unknown kinds get ULIDs.
func New(kind Kind) Generator {
	if kind == KindCounter {
		return NewCounterGenerator()
	}
	return NewULIDGenerator()
}

// ULIDGenerator produces ULIDs with monotonic entropy.
//
// Within one millisecond the random component is incremented instead of
// redrawn, and a wall clock that steps backwards is clamped to the last
// issued millisecond, so ids never decrease for this instance.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	lastMs  uint64
	now     func() time.Time
}

func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

func (g *ULIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(g.now())
	if ms < g.lastMs {
		ms = g.lastMs
	}

	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		// Random component exhausted for this millisecond.
		ms++
		id = ulid.MustNew(ms, g.entropy)
	}
	g.lastMs = ms
	return id.String()
}

// CounterGenerator is the degraded fallback: a 13-digit millisecond timestamp
// followed by a 13-digit zero-padded counter. It needs no entropy source.
type CounterGenerator struct {
	mu      sync.Mutex
	lastMs  int64
	counter int64
	now     func() time.Time
}

func NewCounterGenerator() *CounterGenerator {
	return &CounterGenerator{now: time.Now}
}

func (g *CounterGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	g.lastMs = ms
	g.counter++
	return fmt.Sprintf("%013d%013d", ms, g.counter)
}

// Time recovers the creation timestamp embedded in id.
func Time(id string) (time.Time, error) {
	if len(id) != Length {
		return time.Time{}, ErrMalformed
	}
	if isDigits(id) {
		ms, err := strconv.ParseInt(id[:13], 10, 64)
		if err != nil {
			return time.Time{}, ErrMalformed
		}
		return time.UnixMilli(ms), nil
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ulid.Time(parsed.Time()), nil
}

// Valid reports whether s has the shape of an identifier from either generator.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
