package dsp

import (
	"math"
	"math/cmplx"
)

// Tone returns n samples of amp·exp(i·2π·freq·k/rate).
func Tone(freq, rate, amp float64, n int) []complex128 {
	if n <= 0 || rate <= 0 {
		return []complex128{}
	}
	out := make([]complex128, n)
	step := 2 * math.Pi * freq / rate
	for k := range out {
		out[k] = complex(amp, 0) * cmplx.Exp(complex(0, step*float64(k)))
	}
	return out
}

// Split separates complex samples into their real and imaginary parts.
func Split(samples []complex128) (i, q []float64) {
	i = make([]float64, len(samples))
	q = make([]float64, len(samples))
	for k, v := range samples {
		i[k] = real(v)
		q[k] = imag(v)
	}
	return i, q
}
