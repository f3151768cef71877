package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	return append(shifted, data[:half]...)
}

// Spectrum locates the strongest tone in a receive buffer. The Hamming
// window and FFT plan are kept for the configured size.
type Spectrum struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.CmplxFFT
}

// NewSpectrum prepares a Spectrum for buffers of size samples.
func NewSpectrum(size int) *Spectrum {
	s := &Spectrum{}
	s.resize(size)
	return s
}

func (s *Spectrum) resize(size int) {
	s.size = size
	s.window = hamming(size)
	s.windowSum = floats.Sum(s.window)
	s.fft = nil
	if size > 0 {
		s.fft = fourier.NewCmplxFFT(size)
	}
}

// Peak returns the frequency offset (Hz, relative to the LO) and level
// (dBFS) of the strongest bin. A buffer of a different length re-plans the
// transform.
func (s *Spectrum) Peak(samples []complex128, sampleRate float64) (freq, dbfs float64, ok bool) {
	if len(samples) < 2 || sampleRate <= 0 {
		return 0, 0, false
	}
	s.mu.Lock()
	if len(samples) != s.size {
		s.resize(len(samples))
	}
	windowed := make([]complex128, len(samples))
	for i, v := range samples {
		windowed[i] = v * complex(s.window[i], 0)
	}
	coeffs := s.fft.Coefficients(nil, windowed)
	sum := s.windowSum
	s.mu.Unlock()

	shifted := FFTShift(coeffs)
	best, bestMag := 0, -1.0
	for i, v := range shifted {
		if mag := cmplx.Abs(v); mag > bestMag {
			best, bestMag = i, mag
		}
	}
	n := len(shifted)
	freq = float64(best-n/2) * sampleRate / float64(n)
	mag := bestMag / sum
	if mag == 0 {
		return freq, math.Inf(-1), true
	}
	return freq, 20 * math.Log10(mag), true
}

// hamming returns a Hamming window of length n.
func hamming(n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}
