package curve_test

import (
	"testing"

	"codeberg.org/mutker/gpufand/internal/curve"
	"codeberg.org/mutker/gpufand/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reference = curve.Curve{
	{Temperature: 40, Speed: 30},
	{Temperature: 60, Speed: 50},
	{Temperature: 80, Speed: 100},
}

func TestSpeedForReference(t *testing.T) {
	tests := map[int]int{
		30: 30,
		40: 30,
		50: 40,
		60: 50,
		70: 75,
		80: 100,
		90: 100,
	}

	for temp, want := range tests {
		assert.Equal(t, want, reference.SpeedFor(temp), "temperature %d", temp)
		assert.Equal(t, want, curve.SpeedFor(temp, reference), "temperature %d", temp)
	}
}

func TestSpeedForClampsOutsideRange(t *testing.T) {
	for temp := -40; temp < 40; temp++ {
		assert.Equal(t, 30, reference.SpeedFor(temp))
	}
	for temp := 81; temp < 200; temp++ {
		assert.Equal(t, 100, reference.SpeedFor(temp))
	}
}

func TestSpeedForHitsCalibrationPointsExactly(t *testing.T) {
	c := curve.Curve{
		{Temperature: 30, Speed: 17},
		{Temperature: 47, Speed: 33},
		{Temperature: 61, Speed: 58},
		{Temperature: 83, Speed: 91},
	}

	for _, p := range c {
		assert.Equal(t, p.Speed, c.SpeedFor(p.Temperature))
	}
}

func TestSpeedForTruncatesTowardZero(t *testing.T) {
	c := curve.Curve{{Temperature: 40, Speed: 30}, {Temperature: 43, Speed: 31}}

	// 30 + 1*1/3 = 30.33 and 30 + 1*2/3 = 30.67
	assert.Equal(t, 30, c.SpeedFor(41))
	assert.Equal(t, 30, c.SpeedFor(42))

	falling := curve.Curve{{Temperature: 40, Speed: 50}, {Temperature: 44, Speed: 40}}
	// 50 - 10*1/4 = 47.5
	assert.Equal(t, 47, falling.SpeedFor(41))
}

func TestSpeedForVerticalStep(t *testing.T) {
	c := curve.Curve{
		{Temperature: 40, Speed: 30},
		{Temperature: 60, Speed: 50},
		{Temperature: 60, Speed: 80},
		{Temperature: 80, Speed: 100},
	}

	assert.Equal(t, 50, c.SpeedFor(60))
	assert.Equal(t, 40, c.SpeedFor(50))
	assert.Equal(t, 90, c.SpeedFor(70))

	flat := curve.Curve{{Temperature: 50, Speed: 20}, {Temperature: 50, Speed: 70}}
	assert.NotPanics(t, func() {
		assert.Equal(t, 20, flat.SpeedFor(50))
		assert.Equal(t, 20, flat.SpeedFor(10))
		assert.Equal(t, 70, flat.SpeedFor(51))
	})
}

func TestSpeedForSinglePoint(t *testing.T) {
	c := curve.Curve{{Temperature: 55, Speed: 42}}

	for _, temp := range []int{-10, 0, 54, 55, 56, 120} {
		assert.Equal(t, 42, c.SpeedFor(temp))
	}
}

func TestSpeedForEmptyCurve(t *testing.T) {
	assert.Equal(t, 0, curve.Curve{}.SpeedFor(60))
}

func TestSpeedForMonotonic(t *testing.T) {
	c := curve.Curve{
		{Temperature: 35, Speed: 20},
		{Temperature: 50, Speed: 20},
		{Temperature: 65, Speed: 45},
		{Temperature: 65, Speed: 60},
		{Temperature: 75, Speed: 85},
		{Temperature: 90, Speed: 100},
	}

	prev := c.SpeedFor(0)
	for temp := 1; temp <= 110; temp++ {
		got := c.SpeedFor(temp)
		assert.GreaterOrEqual(t, got, prev, "temperature %d", temp)
		assert.Equal(t, got, c.SpeedFor(temp), "repeat call at %d", temp)
		prev = got
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, reference.Validate())
	require.NoError(t, curve.Curve{{Temperature: 60, Speed: 40}, {Temperature: 60, Speed: 70}}.Validate())

	tests := map[string]curve.Curve{
		"empty":         {},
		"speed too big": {{Temperature: 40, Speed: 30}, {Temperature: 80, Speed: 120}},
		"negative":      {{Temperature: 40, Speed: -1}},
		"unordered":     {{Temperature: 60, Speed: 30}, {Temperature: 40, Speed: 50}},
		"too hot":       {{Temperature: 400, Speed: 100}},
	}

	for name, c := range tests {
		err := c.Validate()
		require.Error(t, err, name)
		assert.True(t, errors.HasCode(err, curve.ErrInvalidCurve), name)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "40°C:30% 60°C:50% 80°C:100%", reference.String())
	assert.Equal(t, "50°C:40%", curve.Curve{{Temperature: 50, Speed: 40}}.String())
	assert.Empty(t, curve.Curve{}.String())
}
