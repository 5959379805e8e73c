package fixed

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Point
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "1", want: One},
		{in: "0.618", want: 618_000_000},
		{in: ".5", want: 500_000_000},
		{in: "-1.25", want: -1_250_000_000},
		{in: "0.000000001", want: Epsilon},
		{in: "0.0000000001", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "0.649000000", MustParse("0.649").String())
	assert.Equal(t, "-0.000000001", (-Epsilon).String())
	assert.Equal(t, "12.000000000", FromInt(12).String())
}

func TestMul(t *testing.T) {
	got, err := MustParse("0.8").Mul(MustParse("0.9"))
	require.NoError(t, err)
	assert.Equal(t, MustParse("0.72"), got)

	// 0.000000001 * 0.5 rounds half away from zero
	got, err = Epsilon.Mul(MustParse("0.5"))
	require.NoError(t, err)
	assert.Equal(t, Epsilon, got)

	got, err = MustParse("-0.5").Mul(MustParse("0.5"))
	require.NoError(t, err)
	assert.Equal(t, MustParse("-0.25"), got)

	_, err = Point(math.MaxInt64).Mul(FromInt(2))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestDiv(t *testing.T) {
	got, err := FromInt(2).Div(FromInt(3))
	require.NoError(t, err)
	assert.Equal(t, Point(666_666_667), got)

	_, err = One.Div(Zero)
	assert.ErrorIs(t, err, ErrDivZero)

	r, err := FromRatio(1, 4)
	require.NoError(t, err)
	assert.Equal(t, MustParse("0.25"), r)
}

func TestAddOverflow(t *testing.T) {
	_, err := Point(math.MaxInt64).Add(Epsilon)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Point(math.MinInt64).Sub(Epsilon)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestTextRoundTrip(t *testing.T) {
	p := MustParse("0.123456789")
	b, err := p.MarshalText()
	require.NoError(t, err)

	var q Point
	require.NoError(t, q.UnmarshalText(b))
	assert.Equal(t, p, q)
}

func TestExpNeg(t *testing.T) {
	assert.Equal(t, One, ExpNeg(0))
	assert.Equal(t, One, ExpNeg(-One))
	assert.Equal(t, Zero, ExpNeg(FromInt(50)))

	for _, x := range []float64{0.001, 0.1, 0.5, 1, 2.5, 7, 20} {
		got := ExpNeg(FromFloat(x)).Float64()
		assert.InDelta(t, math.Exp(-x), got, 2e-9, "x=%v", x)
	}
}

func TestExpNeg_Monotone(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	prev := One
	var x Point
	for i := 0; i < 5000; i++ {
		x += Point(rng.Int64N(int64(One) / 50))
		got := ExpNeg(x)
		require.LessOrEqual(t, got, prev, "x=%s", x)
		prev = got
	}
}

func TestExpNeg_Deterministic(t *testing.T) {
	x := MustParse("1.234567891")
	first := ExpNeg(x).String()
	for i := 0; i < 100; i++ {
		require.Equal(t, first, ExpNeg(x).String())
	}
}
