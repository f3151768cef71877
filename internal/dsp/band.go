package dsp

import "fmt"

// Band is the signal quality class assigned to an RSSI reading.
type Band int

const (
	NoSignal Band = iota
	Weak
	Good
	Excellent
)

func (b Band) String() string {
	switch b {
	case Excellent:
		return "EXCELLENT"
	case Good:
		return "GOOD"
	case Weak:
		return "WEAK"
	default:
		return "NO_SIGNAL"
	}
}

// Passing reports whether the band counts as a working channel pair.
func (b Band) Passing() bool { return b != NoSignal }

// Classify bands an RSSI in dBFS. Each boundary belongs to the lower band.
func Classify(rssi float64) Band {
	switch {
	case rssi > -40:
		return Excellent
	case rssi > -60:
		return Good
	case rssi > -80:
		return Weak
	default:
		return NoSignal
	}
}

// SubChannels maps an antenna port (1 or 2) to its I and Q sub-channel
// indices. The mapping is the same for TX and RX.
func SubChannels(port int) (i, q int, err error) {
	switch port {
	case 1:
		return 0, 1, nil
	case 2:
		return 2, 3, nil
	default:
		return 0, 0, fmt.Errorf("antenna port %d out of range, want 1 or 2", port)
	}
}
