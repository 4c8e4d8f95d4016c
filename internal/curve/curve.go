// Package curve maps GPU core temperature to a fan speed percentage using a
// piecewise-linear calibration table.
package curve

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/gpufand/internal/errors"
	"github.com/go-playground/validator/v10"
)

const ErrInvalidCurve = errors.ErrorCode("config_invalid_curve")

// Point is one calibration entry: at Temperature (°C) the fan should run at
// Speed percent.
type Point struct {
	Temperature int `mapstructure:"temperature" json:"temperature" validate:"gte=-50,lte=150"`
	Speed       int `mapstructure:"speed" json:"speed" validate:"gte=0,lte=100"`
}

// Curve is a calibration table ordered by ascending temperature. Adjacent
// points may share a temperature to form a vertical step.
type Curve []Point

var validate = validator.New()

// SpeedFor returns the fan speed for temperature on curve c.
func SpeedFor(temperature int, c Curve) int {
	return c.SpeedFor(temperature)
}

// SpeedFor returns the interpolated fan speed for temperature. Temperatures
// outside the table clamp to the first or last speed. Calibration points are
// hit exactly. An empty curve yields 0.
func (c Curve) SpeedFor(temperature int) int {
	if len(c) == 0 {
		return 0
	}

	first, last := c[0], c[len(c)-1]
	if temperature <= first.Temperature {
		return first.Speed
	}
	if temperature >= last.Temperature {
		return last.Speed
	}

	for i := 1; i < len(c); i++ {
		cur := c[i]
		if cur.Temperature < temperature {
			continue
		}
		if cur.Temperature == temperature {
			return cur.Speed
		}

		prev := c[i-1]
		span := cur.Temperature - prev.Temperature
		if span == 0 {
			return prev.Speed
		}

		// Whole expression over one denominator so truncation applies to the
		// result, not to the slope term alone.
		return (prev.Speed*span + (cur.Speed-prev.Speed)*(temperature-prev.Temperature)) / span
	}

	return last.Speed
}

// Validate checks that c is non-empty, ordered by temperature and within
// range.
func (c Curve) Validate() error {
	errFactory := errors.New()

	if len(c) == 0 {
		return errFactory.WithMessage(ErrInvalidCurve, "calibration curve is empty")
	}

	for i, p := range c {
		if err := validate.Struct(p); err != nil {
			return errFactory.Wrap(ErrInvalidCurve, fmt.Errorf("point %d: %w", i, err))
		}
		if i > 0 && p.Temperature < c[i-1].Temperature {
			return errFactory.WithData(ErrInvalidCurve,
				fmt.Sprintf("point %d: temperature %d°C below previous %d°C", i, p.Temperature, c[i-1].Temperature))
		}
	}

	return nil
}

// String renders the curve as "40°C:30% 60°C:50%".
func (c Curve) String() string {
	points := make([]string, len(c))
	for i, p := range c {
		points[i] = fmt.Sprintf("%d°C:%d%%", p.Temperature, p.Speed)
	}
	return strings.Join(points, " ")
}
