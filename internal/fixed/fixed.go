// Package fixed implements the deterministic decimal arithmetic used for
// every score the engine computes. Values are int64 counts of 10^-9 units,
// so two independent nodes computing the same formula produce the same bytes.
package fixed

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// Decimals is the number of fractional decimal digits carried by a Point.
const Decimals = 9

const scale = 1_000_000_000

var (
	ErrOverflow = errors.New("fixed: number overflow")
	ErrDivZero  = errors.New("fixed: division by zero")
	ErrSyntax   = errors.New("fixed: invalid decimal")
)

// Point is a fixed-point decimal with Decimals fractional digits.
type Point int64

const (
	Zero Point = 0
	One  Point = scale
	// Epsilon is the smallest representable positive value.
	Epsilon Point = 1
)

// FromInt converts a whole number.
func FromInt(n int64) Point {
	return Point(n * scale)
}

// FromFloat rounds f to the nearest representable Point. It is only meant for
// configuration boundaries; score math never goes through float64.
func FromFloat(f float64) Point {
	return Point(math.Round(f * scale))
}

// FromRatio returns num/den rounded half-up.
func FromRatio(num, den int64) (Point, error) {
	if den == 0 {
		return 0, ErrDivZero
	}
	return FromInt(num).Div(FromInt(den))
}

// Parse reads a plain decimal string such as "0.618" or "-1.5" exactly.
// Digits beyond Decimals are rejected rather than rounded.
func Parse(s string) (Point, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrSyntax
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, ErrSyntax
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("%w: more than %d decimals in %q", ErrSyntax, Decimals, s)
	}
	var w uint64
	if whole != "" {
		v, err := strconv.ParseUint(whole, 10, 63)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		w = v
	}
	var f uint64
	if frac != "" {
		v, err := strconv.ParseUint(frac+strings.Repeat("0", Decimals-len(frac)), 10, 63)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		f = v
	}
	hi, lo := bits.Mul64(w, scale)
	if hi != 0 || lo > math.MaxInt64-f {
		return 0, ErrOverflow
	}
	p := Point(lo + f)
	if neg {
		p = -p
	}
	return p, nil
}

// MustParse is Parse for constants known at compile time.
func MustParse(s string) Point {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Add returns p+q, reporting overflow.
func (p Point) Add(q Point) (Point, error) {
	r := p + q
	if (q > 0 && r < p) || (q < 0 && r > p) {
		return 0, ErrOverflow
	}
	return r, nil
}

// Sub returns p-q, reporting overflow.
func (p Point) Sub(q Point) (Point, error) {
	r := p - q
	if (q > 0 && r > p) || (q < 0 && r < p) {
		return 0, ErrOverflow
	}
	return r, nil
}

// Mul returns p*q rounded half away from zero.
func (p Point) Mul(q Point) (Point, error) {
	neg := (p < 0) != (q < 0)
	hi, lo := bits.Mul64(abs(p), abs(q))
	if hi >= scale {
		return 0, ErrOverflow
	}
	quo, rem := bits.Div64(hi, lo, scale)
	if rem >= scale/2 {
		quo++
	}
	return signed(quo, neg)
}

// Div returns p/q rounded half away from zero.
func (p Point) Div(q Point) (Point, error) {
	if q == 0 {
		return 0, ErrDivZero
	}
	neg := (p < 0) != (q < 0)
	hi, lo := bits.Mul64(abs(p), scale)
	d := abs(q)
	if hi >= d {
		return 0, ErrOverflow
	}
	quo, rem := bits.Div64(hi, lo, d)
	if rem >= d-rem {
		quo++
	}
	return signed(quo, neg)
}

// MulInt multiplies by a whole number.
func (p Point) MulInt(n int64) (Point, error) {
	return p.Mul(FromInt(n))
}

// Abs returns |p|.
func (p Point) Abs() Point {
	if p < 0 {
		return -p
	}
	return p
}

// InUnit reports whether p lies in [0,1].
func (p Point) InUnit() bool {
	return p >= Zero && p <= One
}

// Cmp returns -1, 0 or +1.
func (p Point) Cmp(q Point) int {
	switch {
	case p < q:
		return -1
	case p > q:
		return 1
	}
	return 0
}

// Float64 converts for display and metrics only.
func (p Point) Float64() float64 {
	return float64(p) / scale
}

// String renders all Decimals digits so equal values always render to
// identical bytes.
func (p Point) String() string {
	sign := ""
	u := abs(p)
	if p < 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%09d", sign, u/scale, u%scale)
}

// MarshalText implements encoding.TextMarshaler.
func (p Point) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Point) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Sum adds all values, reporting overflow.
func Sum(ps ...Point) (Point, error) {
	var total Point
	for _, p := range ps {
		var err error
		if total, err = total.Add(p); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Min returns the smaller value.
func Min(a, b Point) Point {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger value.
func Max(a, b Point) Point {
	if a > b {
		return a
	}
	return b
}

func abs(p Point) uint64 {
	if p < 0 {
		return uint64(-p)
	}
	return uint64(p)
}

func signed(u uint64, neg bool) (Point, error) {
	if u > math.MaxInt64 {
		return 0, ErrOverflow
	}
	if neg {
		return -Point(u), nil
	}
	return Point(u), nil
}
