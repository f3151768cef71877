package dsp

import (
	"errors"
	"fmt"
)

// ErrEmptyPayload is returned when a receive produced no usable samples.
var ErrEmptyPayload = errors.New("empty receive payload")

// Payload is the resolved shape of one receive: Direct, SplitIQ or Empty.
type Payload interface {
	// Samples returns the complex baseband the payload stands for.
	Samples() ([]complex128, error)
	// Shape describes the payload for diagnostics, e.g. "complex[16384]".
	Shape() string
}

// Direct is a complex buffer used as-is.
type Direct []complex128

// SplitIQ carries the in-phase and quadrature parts as separate arrays.
type SplitIQ struct {
	I []float64
	Q []float64
}

// Empty means nothing usable came back.
type Empty struct {
	Reason string
}

func (d Direct) Samples() ([]complex128, error) {
	if len(d) == 0 {
		return nil, ErrEmptyPayload
	}
	return []complex128(d), nil
}

func (d Direct) Shape() string { return fmt.Sprintf("complex[%d]", len(d)) }

func (s SplitIQ) Samples() ([]complex128, error) {
	if len(s.I) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(s.Q) != len(s.I) {
		return nil, fmt.Errorf("I/Q length mismatch: %d vs %d", len(s.I), len(s.Q))
	}
	out := make([]complex128, len(s.I))
	for k := range out {
		out[k] = complex(s.I[k], s.Q[k])
	}
	return out, nil
}

func (s SplitIQ) Shape() string { return fmt.Sprintf("I[%d]+jQ[%d]", len(s.I), len(s.Q)) }

func (e Empty) Samples() ([]complex128, error) {
	if e.Reason == "" {
		return nil, ErrEmptyPayload
	}
	return nil, fmt.Errorf("%w: %s", ErrEmptyPayload, e.Reason)
}

func (e Empty) Shape() string { return "empty" }

// Resolve picks the payload variant for a receive that returned either an
// array of rows or a list of real arrays. Rows after the first are ignored.
// Empty list elements are dropped; two survivors are recombined as I + iQ
// and a single survivor is used as real-valued samples.
func Resolve(array [][]complex128, list [][]float64) Payload {
	if array != nil {
		if len(array) == 0 || len(array[0]) == 0 {
			return Empty{Reason: "empty array"}
		}
		return Direct(array[0])
	}
	if list == nil {
		return Empty{Reason: "no data received"}
	}
	var kept [][]float64
	for _, elem := range list {
		if len(elem) > 0 {
			kept = append(kept, elem)
		}
	}
	switch len(kept) {
	case 0:
		return Empty{Reason: "all list elements empty"}
	case 2:
		return SplitIQ{I: kept[0], Q: kept[1]}
	default:
		out := make(Direct, len(kept[0]))
		for k, v := range kept[0] {
			out[k] = complex(v, 0)
		}
		return out
	}
}
