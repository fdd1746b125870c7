package dbft

import (
	"math"
	"time"
)

const (
	// MinValidators is the smallest validator set that tolerates one fault.
	MinValidators = 4
	// MaxValidators is the largest supported validator set.
	MaxValidators = 21

	// MaxMessageCacheSize bounds the seen-message hash cache.
	MaxMessageCacheSize = 10_000

	// maxBackoffExponent caps view timeout growth.
	maxBackoffExponent = 10
	backoffFactor      = 1.5
)

// ByzantineThreshold returns the number of agreeing validators needed to
// finalize: floor(2n/3) + 1.
func ByzantineThreshold(n int) int {
	return n*2/3 + 1
}

// F returns the maximum number of faulty validators tolerated.
func F(n int) int {
	return n - ByzantineThreshold(n)
}

// PrimaryIndex returns the validator allowed to propose in view.
func PrimaryIndex(view uint8, n int) uint8 {
	return uint8(int(view) % n)
}

// NextView returns view+1, wrapping 255 to 0.
func NextView(view uint8) uint8 {
	if view == math.MaxUint8 {
		return 0
	}
	return view + 1
}

// CalculateViewTimeout returns base * 1.5^min(view, 10).
func CalculateViewTimeout(base time.Duration, view uint8) time.Duration {
	exp := int(view)
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	return time.Duration(float64(base) * math.Pow(backoffFactor, float64(exp)))
}
