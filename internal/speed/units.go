package speed

import "fmt"

type Unit string

const (
	KmPerHour    Unit = "kmh"
	MilesPerHour Unit = "mph"
	MetersPerSec Unit = "mps"
)

const mphToKmh = 1.609344

// Convert переводит скорость между единицами через км/ч.
func Convert(v float64, from, to Unit) (float64, error) {
	var kmh float64
	switch from {
	case KmPerHour:
		kmh = v
	case MilesPerHour:
		kmh = v * mphToKmh
	case MetersPerSec:
		kmh = v * mpsToKmh
	default:
		return 0, fmt.Errorf("unknown speed unit %q", from)
	}
	switch to {
	case KmPerHour:
		return kmh, nil
	case MilesPerHour:
		return kmh / mphToKmh, nil
	case MetersPerSec:
		return kmh / mpsToKmh, nil
	}
	return 0, fmt.Errorf("unknown speed unit %q", to)
}
