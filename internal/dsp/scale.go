package dsp

import "math"

const (
	adcScale = 2048.0  // 2^11 for 12-bit signed ADC
	dacScale = 1 << 14 // full-scale DAC word used by the AD9361 TX path
)

// FromADC normalizes raw 12-bit ADC words to [-1, 1).
func FromADC(raw []int16) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v) / adcScale
	}
	return out
}

// ToDAC converts normalized samples to DAC words, clamping to int16.
func ToDAC(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		out[i] = floatToInt16(v * dacScale)
	}
	return out
}

func floatToInt16(v float64) int16 {
	scaled := int(math.Round(v))
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}
