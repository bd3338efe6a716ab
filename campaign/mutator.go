package campaign

import (
	"math/rand/v2"
)

const (
	DefaultMutations = 4
)

// Mutator derives a fuzzed sample from the seed.  The seed must not be
// modified.
type Mutator interface {
	Mutate(rng *rand.Rand, seed []byte) []byte
}

var (
	interestingBytes = []byte{0x00, 0x01, 0x7f, 0x80, 0xfe, 0xff}
)

// ByteMutator applies a few random bit flips / byte overwrites.
type ByteMutator struct {
	Mutations int
}

func (mutator ByteMutator) Mutate(rng *rand.Rand, seed []byte) []byte {
	sample := append([]byte{}, seed...)
	if len(sample) == 0 {
		return []byte{byte(rng.UintN(256))}
	}

	mutations := mutator.Mutations
	if mutations <= 0 {
		mutations = DefaultMutations
	}

	for range mutations {
		idx := rng.IntN(len(sample))

		switch rng.IntN(3) {
		case 0:
			sample[idx] ^= 1 << rng.UintN(8)
		case 1:
			sample[idx] = byte(rng.UintN(256))
		default:
			sample[idx] = interestingBytes[rng.IntN(len(interestingBytes))]
		}
	}

	return sample
}
