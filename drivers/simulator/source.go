package simulator

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"
)

// randomSource abstracts the random number generator behind the simulator.
type randomSource interface {
	Float64() (float64, error)
}

// pseudoSource wraps math/rand. It is shared by every simulated handle of a
// driver, so access is serialised.
type pseudoSource struct {
	mu  sync.Mutex
	rng *mathrand.Rand
}

func newPseudoSource(seed *int64) *pseudoSource {
	var src mathrand.Source
	if seed != nil {
		src = mathrand.NewSource(*seed)
	} else {
		src = mathrand.NewSource(time.Now().UnixNano())
	}
	return &pseudoSource{rng: mathrand.New(src)}
}

func (s *pseudoSource) Float64() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64(), nil
}

// secureSource uses crypto/rand.
type secureSource struct{}

func (secureSource) Float64() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure source: %w", err)
	}
	v := binary.BigEndian.Uint64(buf[:]) & math.MaxInt64
	return float64(v) / float64(math.MaxInt64), nil
}

func newRandomSource(source string, seed *int64) (randomSource, error) {
	switch strings.TrimSpace(strings.ToLower(source)) {
	case "", "pseudo", "math":
		return newPseudoSource(seed), nil
	case "secure", "crypto":
		return secureSource{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", source)
	}
}

// chance reports true with the given probability.
func chance(src randomSource, probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	v, err := src.Float64()
	if err != nil {
		return false
	}
	return v < probability
}

// between returns a uniform sample in [lo, hi).
func between(src randomSource, lo, hi float64) float64 {
	v, err := src.Float64()
	if err != nil {
		return lo
	}
	return lo + (hi-lo)*v
}

// vary shifts base by up to ±delta.
func vary(src randomSource, base, delta float64) float64 {
	return base + between(src, -delta, delta)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
