package sdr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// MockStream is an in-memory StreamContext shaped like an AD9361 board.
type MockStream struct {
	mu sync.Mutex

	// Info is returned by Describe.
	Info ContextInfo
	// Channels lists the scan channels per device name.
	Channels map[string][]string
	// Attrs holds channel attributes keyed "device/channel/attr".
	Attrs map[string]string
	// OnWrite may rewrite a value before it is stored.
	OnWrite func(key, value string) string
	// Frame produces the samples of one channel for one refill (counted
	// from 1). The default is a 1 kHz-ish sine of amplitude 1000.
	Frame func(refill int, channel string, n int) []int16
	// OnRefill runs after every successful refill, e.g. to advance a fake
	// clock.
	OnRefill func(refill int)
	// FailRefill makes refill number FailRefill return RefillErr.
	FailRefill int
	RefillErr  error
	// FailCreate makes CreateBuffer fail.
	FailCreate error
	// RefillDelay paces refills like a device streaming in real time.
	RefillDelay time.Duration

	enabled map[string][]string
	buffers int
}

var _ StreamContext = (*MockStream)(nil)

// NewMockStream returns a mock with ad9361-phy and a four-channel
// cf-ad9361-lpc.
func NewMockStream() *MockStream {
	return &MockStream{
		Info: ContextInfo{
			Name:        "mock",
			Description: "in-memory AD9361",
			Attrs:       map[string]string{"hw_model": "mock AD9361", "fw_version": "v0"},
			Devices: []DeviceInfo{
				{ID: "iio:device1", Name: phyName, Channels: 9},
				{ID: "iio:device2", Name: txName, Channels: 5},
				{ID: "iio:device3", Name: rxName, Channels: 4},
			},
		},
		Channels: map[string][]string{
			phyName: {"voltage0", "voltage1"},
			rxName:  {"voltage0", "voltage1", "voltage2", "voltage3"},
			txName:  {"voltage0", "voltage1", "voltage2", "voltage3"},
		},
		Attrs:   make(map[string]string),
		enabled: make(map[string][]string),
	}
}

func (m *MockStream) Describe() ContextInfo { return m.Info }

func (m *MockStream) HasDevice(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Channels[name]
	return ok
}

func (m *MockStream) lookup(device, channel string) error {
	chans, ok := m.Channels[device]
	if !ok {
		return fmt.Errorf("%s: %w", device, ErrDeviceNotFound)
	}
	if !slices.Contains(chans, channel) {
		return fmt.Errorf("%s on %s: %w", channel, device, ErrChannelNotFound)
	}
	return nil
}

func (m *MockStream) WriteChannelAttr(_ context.Context, device, channel string, _ bool, attr, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lookup(device, channel); err != nil {
		return err
	}
	key := device + "/" + channel + "/" + attr
	if m.OnWrite != nil {
		value = m.OnWrite(key, value)
	}
	m.Attrs[key] = value
	return nil
}

func (m *MockStream) ReadChannelAttr(_ context.Context, device, channel string, _ bool, attr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lookup(device, channel); err != nil {
		return "", err
	}
	v, ok := m.Attrs[device+"/"+channel+"/"+attr]
	if !ok {
		return "", fmt.Errorf("attribute %s of %s/%s not set", attr, device, channel)
	}
	return v, nil
}

func (m *MockStream) EnableChannel(device, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lookup(device, channel); err != nil {
		return err
	}
	if !slices.Contains(m.enabled[device], channel) {
		m.enabled[device] = append(m.enabled[device], channel)
	}
	return nil
}

func (m *MockStream) CreateBuffer(_ context.Context, device string, samples int) (StreamBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		return nil, m.FailCreate
	}
	if _, ok := m.Channels[device]; !ok {
		return nil, fmt.Errorf("%s: %w", device, ErrDeviceNotFound)
	}
	if len(m.enabled[device]) == 0 {
		return nil, fmt.Errorf("no channels enabled on %s", device)
	}
	if samples <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", samples)
	}
	m.buffers++
	return &mockBuffer{stream: m, channels: slices.Clone(m.enabled[device]), samples: samples}, nil
}

// OpenBuffers reports how many buffers are currently allocated.
func (m *MockStream) OpenBuffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffers
}

func (m *MockStream) Close() error { return nil }

type mockBuffer struct {
	stream   *MockStream
	channels []string
	samples  int
	refills  int
	data     map[string][]int16
	closed   bool
}

func (b *mockBuffer) Channels() []string { return slices.Clone(b.channels) }

func (b *mockBuffer) Refill(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed {
		return errors.New("refill on closed buffer")
	}
	m := b.stream
	m.mu.Lock()
	b.refills++
	n := b.refills
	frame, hook := m.Frame, m.OnRefill
	fail, failErr := m.FailRefill, m.RefillErr
	delay := m.RefillDelay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if fail > 0 && n == fail {
		if failErr == nil {
			failErr = errors.New("refill failed")
		}
		return failErr
	}
	if frame == nil {
		frame = sineFrame
	}
	b.data = make(map[string][]int16, len(b.channels))
	for _, ch := range b.channels {
		b.data[ch] = frame(n, ch, b.samples)
	}
	if hook != nil {
		hook(n)
	}
	return nil
}

func (b *mockBuffer) Read(channel string) ([]int16, error) {
	data, ok := b.data[channel]
	if !ok {
		return nil, fmt.Errorf("channel %s has no samples: %w", channel, ErrChannelNotFound)
	}
	return data, nil
}

func (b *mockBuffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.stream.mu.Lock()
	b.stream.buffers--
	b.stream.mu.Unlock()
	return nil
}

func sineFrame(refill int, _ string, n int) []int16 {
	out := make([]int16, n)
	for k := range out {
		out[k] = int16(1000 * math.Sin(2*math.Pi*float64(k+refill*n)/64))
	}
	return out
}
