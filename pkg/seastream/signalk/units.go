package signalk

import "math"

// Conversion identifies how a raw SI value from the server maps to a
// display unit. The streaming coordinator always publishes raw values;
// consumers apply the conversion from the discovery catalogue.
type Conversion int

const (
	ConversionNone Conversion = iota
	RadiansToDegrees
	MetersPerSecondToKnots
	KelvinToCelsius
	PascalsToHectopascals
	RatioToPercent
)

const (
	metersPerSecondPerKnot = 1852.0 / 3600.0
	kelvinOffset           = 273.15
)

func (c Conversion) String() string {
	switch c {
	case RadiansToDegrees:
		return "rad->deg"
	case MetersPerSecondToKnots:
		return "m/s->kn"
	case KelvinToCelsius:
		return "K->degC"
	case PascalsToHectopascals:
		return "Pa->hPa"
	case RatioToPercent:
		return "ratio->percent"
	default:
		return "none"
	}
}

// Apply converts a raw server value to the display unit.
func (c Conversion) Apply(v float64) float64 {
	switch c {
	case RadiansToDegrees:
		return v * 180 / math.Pi
	case MetersPerSecondToKnots:
		return v / metersPerSecondPerKnot
	case KelvinToCelsius:
		return v - kelvinOffset
	case PascalsToHectopascals:
		return v / 100
	case RatioToPercent:
		return v * 100
	default:
		return v
	}
}

// Invert converts a display-unit value back to the raw server unit.
func (c Conversion) Invert(v float64) float64 {
	switch c {
	case RadiansToDegrees:
		return v * math.Pi / 180
	case MetersPerSecondToKnots:
		return v * metersPerSecondPerKnot
	case KelvinToCelsius:
		return v + kelvinOffset
	case PascalsToHectopascals:
		return v * 100
	case RatioToPercent:
		return v / 100
	default:
		return v
	}
}

// ConversionForUnit maps a Signal K meta.units string to the conversion
// consumers will usually want for display.
func ConversionForUnit(unit string) Conversion {
	switch unit {
	case "rad":
		return RadiansToDegrees
	case "m/s":
		return MetersPerSecondToKnots
	case "K":
		return KelvinToCelsius
	case "Pa":
		return PascalsToHectopascals
	case "ratio":
		return RatioToPercent
	default:
		return ConversionNone
	}
}
