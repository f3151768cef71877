package sdr

import (
	"context"
	"errors"
)

var (
	// ErrNoActiveTransmit is returned by DestroyTx when no TX buffer exists.
	ErrNoActiveTransmit = errors.New("no active transmission")
	// ErrDeviceNotFound is returned when a required IIO device is missing.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrChannelNotFound is returned for unknown channel names or indices.
	ErrChannelNotFound = errors.New("channel not found")
)

// Direction selects the transmit or receive side of a transceiver.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "TX"
	}
	return "RX"
}

// Received is the raw result of one blocking receive. A driver fills
// either Array (one complex row per enabled channel pair) or List (one
// real array per enabled sub-channel); the other stays nil.
type Received struct {
	Array [][]complex128
	List  [][]float64
}

// TxPayload is what Transmit accepts: TxComplex or TxSplit.
type TxPayload interface {
	txPayload()
}

// TxComplex is one complex buffer for the default sub-channel pair.
type TxComplex []complex128

// TxSplit carries one real array per enabled sub-channel: I then Q.
type TxSplit struct {
	I []float64
	Q []float64
}

func (TxComplex) txPayload() {}
func (TxSplit) txPayload()   {}

// Transceiver is the device surface the channel pair validator needs.
// Setter errors are reported per call so the caller decides whether a
// failed write is fatal.
type Transceiver interface {
	// ChannelNames lists the streaming sub-channels, e.g. voltage0..3.
	ChannelNames(dir Direction) []string
	// SetEnabledChannels enables exactly the given sub-channel indices and
	// disables every other one.
	SetEnabledChannels(dir Direction, indices []int) error
	EnabledChannels(dir Direction) []int

	SetLO(ctx context.Context, dir Direction, hz int64) error
	SetRFBandwidth(ctx context.Context, dir Direction, hz int64) error
	SetSampleRate(ctx context.Context, hz int64) error
	SetBufferSize(dir Direction, samples int) error
	// SetGainControlMode sets the AGC mode of RX chain 0 or 1.
	SetGainControlMode(ctx context.Context, chain int, mode string) error
	// SetHardwareGain sets the gain of antenna port 1 or 2.
	SetHardwareGain(ctx context.Context, dir Direction, port int, dB float64) error

	// Transmit starts a TX buffer. Cyclic buffers replay until DestroyTx.
	Transmit(ctx context.Context, payload TxPayload, cyclic bool) error
	// DestroyTx stops transmission. It returns ErrNoActiveTransmit when
	// nothing is transmitting.
	DestroyTx(ctx context.Context) error
	// Receive blocks for one RX buffer.
	Receive(ctx context.Context) (Received, error)

	Close() error
}

// StreamContext is the device surface the streaming capture validator
// needs: an IIO context with named devices and channels.
type StreamContext interface {
	Describe() ContextInfo
	HasDevice(name string) bool
	WriteChannelAttr(ctx context.Context, device, channel string, output bool, attr, value string) error
	ReadChannelAttr(ctx context.Context, device, channel string, output bool, attr string) (string, error)
	// EnableChannel marks an input scan channel for the next buffer.
	EnableChannel(device, channel string) error
	// CreateBuffer allocates a capture buffer of samples frames over the
	// enabled channels of device.
	CreateBuffer(ctx context.Context, device string, samples int) (StreamBuffer, error)
	Close() error
}

// StreamBuffer is one allocated capture buffer.
type StreamBuffer interface {
	// Refill blocks until a fresh batch of samples is available.
	Refill(ctx context.Context) error
	// Read returns the raw storage words of channel from the last refill.
	Read(channel string) ([]int16, error)
	Channels() []string
	Close() error
}

// ContextInfo summarizes an IIO context for the connection banner.
type ContextInfo struct {
	Name        string
	Description string
	Attrs       map[string]string
	Devices     []DeviceInfo
}

// DeviceInfo names one device and its channel count.
type DeviceInfo struct {
	ID       string
	Name     string
	Channels int
}
