package sdr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/rjboer/sdrdiag/internal/dsp"
	"github.com/rjboer/sdrdiag/internal/iiod"
	"github.com/rjboer/sdrdiag/internal/iioxml"
	"github.com/rjboer/sdrdiag/internal/logging"
)

const (
	phyName = "ad9361-phy"
	rxName  = "cf-ad9361-lpc"
	txName  = "cf-ad9361-dds-core-lpc"

	txLOChannel = "altvoltage0"
	rxLOChannel = "altvoltage1"

	defaultBufferSize = 1024
)

// AD9361 drives an AD9361 transceiver (Pluto, LibreSDR) through IIOD.
// Channel enablement is local state that takes effect when the next TX or
// RX buffer is opened.
type AD9361 struct {
	mu     sync.Mutex
	s      *session
	phy    *iioxml.Device
	rx     *iioxml.Device
	tx     *iioxml.Device
	rxScan []*iioxml.Channel
	txScan []*iioxml.Channel

	rxEnabled []int
	txEnabled []int
	rxBufSize int
	txBufSize int
	txActive  bool
	logger    logging.Logger
}

var _ Transceiver = (*AD9361)(nil)

// OpenAD9361 connects to the IIOD at uri and locates the AD9361 devices.
func OpenAD9361(ctx context.Context, uri string, opts Options) (*AD9361, error) {
	s, err := dialSession(ctx, uri, opts)
	if err != nil {
		return nil, err
	}
	a, err := newAD9361(s)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	return a, nil
}

// NewAD9361 uses an established IIOD client.
func NewAD9361(ctx context.Context, client *iiod.Client, opts Options) (*AD9361, error) {
	s, err := newSession(ctx, client, opts)
	if err != nil {
		return nil, err
	}
	return newAD9361(s)
}

func newAD9361(s *session) (*AD9361, error) {
	phy, rx, tx := identifyAD9361Devices(s.iio)
	if phy == nil || rx == nil || tx == nil {
		return nil, fmt.Errorf("unable to locate AD9361 devices (phy=%t rx=%t tx=%t): %w",
			phy != nil, rx != nil, tx != nil, ErrDeviceNotFound)
	}
	a := &AD9361{
		s:         s,
		phy:       phy,
		rx:        rx,
		tx:        tx,
		rxScan:    rx.ScanChannels(),
		txScan:    tx.ScanChannels(),
		rxEnabled: []int{0, 1},
		txEnabled: []int{0, 1},
		rxBufSize: defaultBufferSize,
		txBufSize: defaultBufferSize,
		logger:    s.logger.With(logging.F("subsystem", "ad9361")),
	}
	a.logger.Info("found AD9361 devices",
		logging.F("phy", phy.ID), logging.F("rx", rx.ID), logging.F("tx", tx.ID))
	return a, nil
}

// identifyAD9361Devices finds the PHY, RX, and TX devices by name.
func identifyAD9361Devices(iio *iioxml.Context) (phy, rx, tx *iioxml.Device) {
	phy, _ = iio.FindDevice(phyName)
	tx, _ = iio.FindDevice(txName)
	rx, _ = iio.FindDevice(rxName)
	return phy, rx, tx
}

// Describe returns the context summary of the underlying connection.
func (a *AD9361) Describe() ContextInfo { return a.s.describe() }

func (a *AD9361) scan(dir Direction) []*iioxml.Channel {
	if dir == TX {
		return a.txScan
	}
	return a.rxScan
}

func (a *AD9361) ChannelNames(dir Direction) []string {
	var names []string
	for _, ch := range a.scan(dir) {
		names = append(names, ch.ID)
	}
	return names
}

func (a *AD9361) SetEnabledChannels(dir Direction, indices []int) error {
	if len(indices) == 0 {
		return fmt.Errorf("%s: at least one channel must be enabled", dir)
	}
	total := len(a.scan(dir))
	set := slices.Clone(indices)
	slices.Sort(set)
	set = slices.Compact(set)
	for _, idx := range set {
		if idx < 0 || idx >= total {
			return fmt.Errorf("%s channel index %d of %d: %w", dir, idx, total, ErrChannelNotFound)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if dir == TX {
		a.txEnabled = set
	} else {
		a.rxEnabled = set
	}
	a.logger.Debug("channels enabled", logging.F("dir", dir.String()), logging.F("indices", fmt.Sprint(set)))
	return nil
}

func (a *AD9361) EnabledChannels(dir Direction) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dir == TX {
		return slices.Clone(a.txEnabled)
	}
	return slices.Clone(a.rxEnabled)
}

// WritePhyAttr writes an attribute of an ad9361-phy channel.
func (a *AD9361) WritePhyAttr(ctx context.Context, channel string, output bool, attr, value string) error {
	target := iiod.Attr{Device: a.phy.ID, Channel: channel, Output: output, Name: attr}
	if err := a.s.client.WriteAttr(ctx, target, value); err != nil {
		return err
	}
	a.logger.Debug("attribute written", logging.F("attr", target.String()), logging.F("value", value))
	return nil
}

// ReadPhyAttr reads an attribute of an ad9361-phy channel.
func (a *AD9361) ReadPhyAttr(ctx context.Context, channel string, output bool, attr string) (string, error) {
	return a.s.client.ReadAttr(ctx, iiod.Attr{Device: a.phy.ID, Channel: channel, Output: output, Name: attr})
}

func (a *AD9361) SetLO(ctx context.Context, dir Direction, hz int64) error {
	ch := rxLOChannel
	if dir == TX {
		ch = txLOChannel
	}
	return a.WritePhyAttr(ctx, ch, true, "frequency", strconv.FormatInt(hz, 10))
}

func (a *AD9361) SetRFBandwidth(ctx context.Context, dir Direction, hz int64) error {
	return a.WritePhyAttr(ctx, "voltage0", dir == TX, "rf_bandwidth", strconv.FormatInt(hz, 10))
}

func (a *AD9361) SetSampleRate(ctx context.Context, hz int64) error {
	return a.WritePhyAttr(ctx, "voltage0", false, "sampling_frequency", strconv.FormatInt(hz, 10))
}

func (a *AD9361) SetBufferSize(dir Direction, samples int) error {
	if samples <= 0 {
		return fmt.Errorf("%s buffer size must be positive, got %d", dir, samples)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if dir == TX {
		a.txBufSize = samples
	} else {
		a.rxBufSize = samples
	}
	return nil
}

func (a *AD9361) SetGainControlMode(ctx context.Context, chain int, mode string) error {
	if chain < 0 || chain > 1 {
		return fmt.Errorf("RX chain %d: %w", chain, ErrChannelNotFound)
	}
	return a.WritePhyAttr(ctx, fmt.Sprintf("voltage%d", chain), false, "gain_control_mode", mode)
}

func (a *AD9361) SetHardwareGain(ctx context.Context, dir Direction, port int, dB float64) error {
	if port < 1 || port > 2 {
		return fmt.Errorf("%s port %d: %w", dir, port, ErrChannelNotFound)
	}
	return a.WritePhyAttr(ctx, fmt.Sprintf("voltage%d", port-1), dir == TX, "hardwaregain",
		strconv.FormatFloat(dB, 'f', -1, 64))
}

func (a *AD9361) enabledScan(dir Direction, indices []int) []*iioxml.Channel {
	all := a.scan(dir)
	out := make([]*iioxml.Channel, 0, len(indices))
	for _, idx := range indices {
		out = append(out, all[idx])
	}
	return out
}

// Transmit opens a TX buffer over the enabled sub-channels and pushes the
// payload. A complex payload maps onto sub-channels 0 and 1 only; with any
// other selection the I and Q arrays must be passed as TxSplit.
func (a *AD9361) Transmit(ctx context.Context, payload TxPayload, cyclic bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.txActive {
		return errors.New("TX buffer already active, destroy it before transmitting again")
	}

	var i, q []float64
	switch p := payload.(type) {
	case TxComplex:
		if !slices.Equal(a.txEnabled, []int{0, 1}) {
			return fmt.Errorf("complex payload needs TX sub-channels [0 1] enabled, have %v: pass separate I and Q arrays", a.txEnabled)
		}
		i, q = dsp.Split(p)
	case TxSplit:
		i, q = p.I, p.Q
	default:
		return fmt.Errorf("unsupported TX payload %T", payload)
	}
	if len(a.txEnabled) != 2 {
		return fmt.Errorf("TX payload carries 2 arrays for %d enabled sub-channels", len(a.txEnabled))
	}
	if len(i) == 0 || len(i) != len(q) {
		return fmt.Errorf("TX I/Q arrays must be non-empty and equal length, got %d and %d", len(i), len(q))
	}
	if len(i) != a.txBufSize {
		a.logger.Debug("TX payload length differs from configured buffer size",
			logging.F("samples", len(i)), logging.F("buffer", a.txBufSize))
	}

	channels := a.enabledScan(TX, a.txEnabled)
	layout, err := iioxml.NewLayout(channels)
	if err != nil {
		return err
	}
	data, err := layout.Mux16([][]int16{dsp.ToDAC(i), dsp.ToDAC(q)})
	if err != nil {
		return fmt.Errorf("interleave TX IQ: %w", err)
	}

	mask := iioxml.Mask(channels, len(a.txScan))
	if err := a.s.client.OpenBuffer(ctx, a.tx.ID, len(i), mask, cyclic); err != nil {
		return fmt.Errorf("create TX buffer: %w", err)
	}
	if err := a.s.client.WriteBuffer(ctx, a.tx.ID, data); err != nil {
		_ = a.s.client.CloseBuffer(ctx, a.tx.ID)
		return fmt.Errorf("write TX buffer: %w", err)
	}
	a.txActive = true
	a.logger.Debug("TX started", logging.F("samples", len(i)), logging.F("mask", mask), logging.F("cyclic", cyclic))
	return nil
}

func (a *AD9361) DestroyTx(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.txActive {
		return ErrNoActiveTransmit
	}
	a.txActive = false
	if err := a.s.client.CloseBuffer(ctx, a.tx.ID); err != nil {
		return fmt.Errorf("destroy TX buffer: %w", err)
	}
	a.logger.Debug("TX stopped")
	return nil
}

// Receive captures one RX buffer and returns one normalized real array per
// enabled sub-channel, in sub-channel order.
func (a *AD9361) Receive(ctx context.Context) (Received, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	channels := a.enabledScan(RX, a.rxEnabled)
	layout, err := iioxml.NewLayout(channels)
	if err != nil {
		return Received{}, err
	}
	mask := iioxml.Mask(channels, len(a.rxScan))
	if err := a.s.client.OpenBuffer(ctx, a.rx.ID, a.rxBufSize, mask, false); err != nil {
		return Received{}, fmt.Errorf("create RX buffer: %w", err)
	}
	buf := make([]byte, a.rxBufSize*layout.FrameSize)
	n, readErr := a.s.client.ReadBuffer(ctx, a.rx.ID, buf)
	if err := a.s.client.CloseBuffer(ctx, a.rx.ID); err != nil && readErr == nil {
		a.logger.Warn("close RX buffer failed", logging.Err(err))
	}
	if readErr != nil {
		return Received{}, fmt.Errorf("read RX buffer: %w", readErr)
	}

	raw, err := layout.Demux16(buf[:n])
	if err != nil {
		return Received{}, err
	}
	out := Received{List: make([][]float64, len(raw))}
	for k, samples := range raw {
		out.List[k] = dsp.FromADC(samples)
	}
	return out, nil
}

// Close releases any TX buffer and the IIOD connection.
func (a *AD9361) Close() error {
	a.mu.Lock()
	active := a.txActive
	a.mu.Unlock()
	if active {
		if err := a.DestroyTx(context.Background()); err != nil {
			a.logger.Warn("destroy TX on close failed", logging.Err(err))
		}
	}
	return a.s.close()
}

// HardwareRSSI reads the PHY's own RSSI estimate for an RX port, e.g.
// "31.25 dB".
func (a *AD9361) HardwareRSSI(ctx context.Context, port int) (string, error) {
	if port < 1 || port > 2 {
		return "", fmt.Errorf("RX port %d: %w", port, ErrChannelNotFound)
	}
	return a.ReadPhyAttr(ctx, fmt.Sprintf("voltage%d", port-1), false, "rssi")
}
