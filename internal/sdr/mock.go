package sdr

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/rjboer/sdrdiag/internal/dsp"
)

// Pair identifies a TX antenna port / RX antenna port combination.
type Pair struct {
	TX int
	RX int
}

// MockTransceiver is a loopback model: while a TX buffer is active, every
// receive returns a tone whose mean power matches the RSSI configured for
// the current port pair. Without TX it returns silence.
type MockTransceiver struct {
	mu sync.Mutex

	// RSSI is the level (dBFS) the receiver sees per pair. Pairs missing
	// from the map use DefaultRSSI.
	RSSI        map[Pair]float64
	DefaultRSSI float64
	// AsArray returns receives as a one-row complex array instead of the
	// per-sub-channel list.
	AsArray bool
	// OnReceive overrides the receive for a pair, e.g. to inject errors or
	// odd payload shapes.
	OnReceive func(p Pair) (Received, error)
	// FailSet makes the named setter ("SetLO", "SetHardwareGain", ...) fail.
	FailSet map[string]error

	samples   int
	rxEnabled []int
	txEnabled []int
	txActive  bool
	attrs     map[string]string
	events    []string
}

var _ Transceiver = (*MockTransceiver)(nil)

// NewMock returns a mock with every pair at -35 dBFS.
func NewMock() *MockTransceiver {
	return &MockTransceiver{
		RSSI:        make(map[Pair]float64),
		DefaultRSSI: -35,
		FailSet:     make(map[string]error),
		samples:     defaultBufferSize,
		rxEnabled:   []int{0, 1},
		txEnabled:   []int{0, 1},
		attrs:       make(map[string]string),
	}
}

// Events returns the operations performed so far, in order.
func (m *MockTransceiver) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// Attr returns a value stored by one of the setters, keyed like
// "rx_lo" or "tx_hardwaregain_port2".
func (m *MockTransceiver) Attr(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attrs[key]
}

// Transmitting reports whether a TX buffer is active.
func (m *MockTransceiver) Transmitting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txActive
}

func (m *MockTransceiver) record(format string, args ...any) {
	m.events = append(m.events, fmt.Sprintf(format, args...))
}

func (m *MockTransceiver) set(op, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("%s %s=%s", op, key, value)
	if err := m.FailSet[op]; err != nil {
		return err
	}
	m.attrs[key] = value
	return nil
}

func (m *MockTransceiver) ChannelNames(Direction) []string {
	return []string{"voltage0", "voltage1", "voltage2", "voltage3"}
}

func (m *MockTransceiver) SetEnabledChannels(dir Direction, indices []int) error {
	set := slices.Clone(indices)
	slices.Sort(set)
	for _, idx := range set {
		if idx < 0 || idx > 3 {
			return fmt.Errorf("%s channel index %d: %w", dir, idx, ErrChannelNotFound)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("enable %s %v", dir, set)
	if dir == TX {
		m.txEnabled = set
	} else {
		m.rxEnabled = set
	}
	return nil
}

func (m *MockTransceiver) EnabledChannels(dir Direction) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dir == TX {
		return slices.Clone(m.txEnabled)
	}
	return slices.Clone(m.rxEnabled)
}

func (m *MockTransceiver) SetLO(_ context.Context, dir Direction, hz int64) error {
	return m.set("SetLO", lower(dir)+"_lo", fmt.Sprint(hz))
}

func (m *MockTransceiver) SetRFBandwidth(_ context.Context, dir Direction, hz int64) error {
	return m.set("SetRFBandwidth", lower(dir)+"_rf_bandwidth", fmt.Sprint(hz))
}

func (m *MockTransceiver) SetSampleRate(_ context.Context, hz int64) error {
	return m.set("SetSampleRate", "sample_rate", fmt.Sprint(hz))
}

func (m *MockTransceiver) SetBufferSize(dir Direction, samples int) error {
	if samples <= 0 {
		return fmt.Errorf("%s buffer size must be positive, got %d", dir, samples)
	}
	if err := m.set("SetBufferSize", lower(dir)+"_buffer_size", fmt.Sprint(samples)); err != nil {
		return err
	}
	if dir == RX {
		m.mu.Lock()
		m.samples = samples
		m.mu.Unlock()
	}
	return nil
}

func (m *MockTransceiver) SetGainControlMode(_ context.Context, chain int, mode string) error {
	return m.set("SetGainControlMode", fmt.Sprintf("gain_control_mode_chan%d", chain), mode)
}

func (m *MockTransceiver) SetHardwareGain(_ context.Context, dir Direction, port int, dB float64) error {
	return m.set("SetHardwareGain", fmt.Sprintf("%s_hardwaregain_port%d", lower(dir), port), fmt.Sprint(dB))
}

func (m *MockTransceiver) Transmit(_ context.Context, payload TxPayload, cyclic bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txActive {
		return fmt.Errorf("TX buffer already active")
	}
	n := 0
	switch p := payload.(type) {
	case TxComplex:
		if !slices.Equal(m.txEnabled, []int{0, 1}) {
			return fmt.Errorf("complex payload needs TX sub-channels [0 1] enabled, have %v", m.txEnabled)
		}
		n = len(p)
	case TxSplit:
		if len(p.I) != len(p.Q) {
			return fmt.Errorf("TX I/Q length mismatch: %d vs %d", len(p.I), len(p.Q))
		}
		n = len(p.I)
	default:
		return fmt.Errorf("unsupported TX payload %T", payload)
	}
	if n == 0 {
		return fmt.Errorf("empty TX payload")
	}
	m.txActive = true
	m.record("transmit %d cyclic=%t", n, cyclic)
	return nil
}

func (m *MockTransceiver) DestroyTx(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.txActive {
		return ErrNoActiveTransmit
	}
	m.txActive = false
	m.record("destroy")
	return nil
}

func (m *MockTransceiver) Receive(context.Context) (Received, error) {
	m.mu.Lock()
	pair := Pair{TX: portOf(m.txEnabled), RX: portOf(m.rxEnabled)}
	active := m.txActive
	n := m.samples
	sets := len(m.rxEnabled)
	hook := m.OnReceive
	asArray := m.AsArray
	rssi, ok := m.RSSI[pair]
	if !ok {
		rssi = m.DefaultRSSI
	}
	m.record("receive %d->%d", pair.TX, pair.RX)
	m.mu.Unlock()

	if hook != nil {
		return hook(pair)
	}
	amp := 0.0
	if active {
		amp = math.Sqrt(math.Pow(10, rssi/10))
	}
	tone := dsp.Tone(1e6, 27e6, amp, n)
	if asArray {
		return Received{Array: [][]complex128{tone}}, nil
	}
	i, q := dsp.Split(tone)
	out := Received{List: [][]float64{i, q}}
	for k := 2; k < sets; k++ {
		out.List = append(out.List, make([]float64, n))
	}
	return out, nil
}

func (m *MockTransceiver) Close() error { return nil }

func portOf(enabled []int) int {
	if len(enabled) > 0 && enabled[0] >= 2 {
		return 2
	}
	return 1
}

func lower(d Direction) string {
	if d == TX {
		return "tx"
	}
	return "rx"
}

// HardwareRSSI mirrors the PHY's RSSI attribute; the mock reports the
// configured level of the current pair with the sign flipped, as the
// AD9361 reports attenuation below full scale.
func (m *MockTransceiver) HardwareRSSI(_ context.Context, port int) (string, error) {
	if port < 1 || port > 2 {
		return "", fmt.Errorf("RX port %d: %w", port, ErrChannelNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rssi, ok := m.RSSI[Pair{TX: portOf(m.txEnabled), RX: port}]
	if !ok {
		rssi = m.DefaultRSSI
	}
	return fmt.Sprintf("%.2f dB", -rssi), nil
}
