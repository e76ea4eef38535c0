// Package randsrc provides the uniform and cryptographic randomness used by
// the jitter policy, the batch processor's shuffle, and the key enclave.
package randsrc

import (
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"
)

var ErrInvalidRange = errors.New("randsrc: invalid range")

// Source is the uniform-randomness surface consumed by the jitter policy and
// the batch processor. Production code uses Default; tests inject a
// deterministic fake the way eth.RelayerConfig injects Now/Sleep.
type Source interface {
	// IntRange returns a uniform value in [lo, hi], inclusive on both ends.
	IntRange(lo, hi int) int
	// Shuffle permutes n items in place via swap using Fisher-Yates.
	Shuffle(n int, swap func(i, j int))
}

// Default is the process-wide math/rand/v2-backed source. Not seeded
// explicitly: math/rand/v2's global functions are seeded from the OS CSPRNG
// automatically and are safe for concurrent use.
var Default Source = defaultSource{}

type defaultSource struct{}

func (defaultSource) IntRange(lo, hi int) int {
	if hi < lo {
		panic(fmt.Sprintf("randsrc: invalid range [%d, %d]", lo, hi))
	}
	return lo + mrand.IntN(hi-lo+1)
}

func (defaultSource) Shuffle(n int, swap func(i, j int)) {
	mrand.Shuffle(n, swap)
}

// CryptoBytes returns n cryptographically random bytes, used for session
// tokens and key material. Never sourced from math/rand/v2.
func CryptoBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: n must be > 0", ErrInvalidRange)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("randsrc: read crypto random bytes: %w", err)
	}
	return b, nil
}
