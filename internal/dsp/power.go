package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// PowerFloor is the linear power at or below which a buffer counts as
	// silent.
	PowerFloor = 1e-10
	// SilentRSSI is reported for buffers at or below PowerFloor.
	SilentRSSI = -100.0
)

// Power returns the mean of |s|² over samples, or 0 for an empty buffer.
func Power(samples []complex128) float64 {
	if len(samples) == 0 {
		return 0
	}
	return stat.Mean(magnitudes(samples, true), nil)
}

// RSSI converts a linear mean power to dBFS.
func RSSI(power float64) float64 {
	if power > PowerFloor {
		return 10 * math.Log10(power)
	}
	return SilentRSSI
}

// PeakDBFS reports 20·log10(max|s| + 1e-10).
func PeakDBFS(samples []complex128) float64 {
	if len(samples) == 0 {
		return 20 * math.Log10(1e-10)
	}
	return 20 * math.Log10(floats.Max(magnitudes(samples, false))+1e-10)
}

func magnitudes(samples []complex128, squared bool) []float64 {
	out := make([]float64, len(samples))
	for i, v := range samples {
		if squared {
			out[i] = real(v)*real(v) + imag(v)*imag(v)
		} else {
			out[i] = cmplx.Abs(v)
		}
	}
	return out
}
