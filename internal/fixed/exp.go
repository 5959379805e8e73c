package fixed

import "math/bits"

// Intermediate precision for ExpNeg: 18 decimals, truncated to Decimals at
// the end so the result is monotone in x.
const hpScale uint64 = 1_000_000_000_000_000_000

// e^-1 at 18 decimals.
const hpInvE uint64 = 367_879_441_171_442_322

// Beyond this many whole units e^-x is below Epsilon.
const expCutoff = 44

// ExpNeg returns e^-x for x >= 0. Negative inputs are treated as zero.
func ExpNeg(x Point) Point {
	if x <= 0 {
		return One
	}
	k := uint64(x) / scale
	if k > expCutoff {
		return Zero
	}
	f := (uint64(x) % scale) * (hpScale / scale)

	whole := hpScale
	for i := uint64(0); i < k; i++ {
		whole = hpMul(whole, hpInvE)
	}

	// Taylor series for e^-f with f in [0,1); terms shrink monotonically so
	// the running sum never leaves [0,1].
	frac := hpScale
	term := hpScale
	for n := uint64(1); n <= 30; n++ {
		term = hpMul(term, f) / n
		if term == 0 {
			break
		}
		if n%2 == 1 {
			frac -= term
		} else {
			frac += term
		}
	}

	return Point(hpMul(whole, frac) / (hpScale / scale))
}

func hpMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, hpScale)
	return q
}
