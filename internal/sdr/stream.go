package sdr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rjboer/sdrdiag/internal/iiod"
	"github.com/rjboer/sdrdiag/internal/iioxml"
	"github.com/rjboer/sdrdiag/internal/logging"
)

// IIOStream is a StreamContext over an IIOD connection.
type IIOStream struct {
	mu      sync.Mutex
	s       *session
	enabled map[string][]*iioxml.Channel
	logger  logging.Logger
}

var _ StreamContext = (*IIOStream)(nil)

// OpenStream connects to the IIOD at uri.
func OpenStream(ctx context.Context, uri string, opts Options) (*IIOStream, error) {
	s, err := dialSession(ctx, uri, opts)
	if err != nil {
		return nil, err
	}
	return newStream(s), nil
}

// NewStream uses an established IIOD client.
func NewStream(ctx context.Context, client *iiod.Client, opts Options) (*IIOStream, error) {
	s, err := newSession(ctx, client, opts)
	if err != nil {
		return nil, err
	}
	return newStream(s), nil
}

func newStream(s *session) *IIOStream {
	return &IIOStream{
		s:       s,
		enabled: make(map[string][]*iioxml.Channel),
		logger:  s.logger.With(logging.F("subsystem", "stream")),
	}
}

func (st *IIOStream) Describe() ContextInfo { return st.s.describe() }

func (st *IIOStream) device(name string) (*iioxml.Device, error) {
	dev, err := st.s.iio.Device(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrDeviceNotFound)
	}
	return dev, nil
}

func (st *IIOStream) HasDevice(name string) bool {
	_, err := st.device(name)
	return err == nil
}

func (st *IIOStream) channelAttr(device, channel string, output bool, attr string) (iiod.Attr, error) {
	dev, err := st.device(device)
	if err != nil {
		return iiod.Attr{}, err
	}
	ch, err := dev.Channel(channel, output)
	if err != nil {
		return iiod.Attr{}, fmt.Errorf("%s on %s: %w", channel, device, ErrChannelNotFound)
	}
	return iiod.Attr{Device: dev.ID, Channel: ch.ID, Output: output, Name: attr}, nil
}

func (st *IIOStream) WriteChannelAttr(ctx context.Context, device, channel string, output bool, attr, value string) error {
	a, err := st.channelAttr(device, channel, output, attr)
	if err != nil {
		return err
	}
	return st.s.client.WriteAttr(ctx, a, value)
}

func (st *IIOStream) ReadChannelAttr(ctx context.Context, device, channel string, output bool, attr string) (string, error) {
	a, err := st.channelAttr(device, channel, output, attr)
	if err != nil {
		return "", err
	}
	return st.s.client.ReadAttr(ctx, a)
}

func (st *IIOStream) EnableChannel(device, channel string) error {
	dev, err := st.device(device)
	if err != nil {
		return err
	}
	ch, err := dev.Channel(channel, false)
	if err != nil || ch.Format == nil {
		return fmt.Errorf("scan channel %s on %s: %w", channel, device, ErrChannelNotFound)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !slices.Contains(st.enabled[dev.ID], ch) {
		st.enabled[dev.ID] = append(st.enabled[dev.ID], ch)
	}
	return nil
}

func (st *IIOStream) CreateBuffer(ctx context.Context, device string, samples int) (StreamBuffer, error) {
	dev, err := st.device(device)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	channels := slices.Clone(st.enabled[dev.ID])
	st.mu.Unlock()
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels enabled on %s", device)
	}
	slices.SortFunc(channels, func(x, y *iioxml.Channel) int { return x.Format.Index - y.Format.Index })

	layout, err := iioxml.NewLayout(channels)
	if err != nil {
		return nil, err
	}
	mask := iioxml.Mask(channels, len(dev.ScanChannels()))
	if err := st.s.client.OpenBuffer(ctx, dev.ID, samples, mask, false); err != nil {
		return nil, err
	}
	st.logger.Debug("buffer created",
		logging.F("dev", dev.ID), logging.F("samples", samples), logging.F("mask", mask))
	return &iioBuffer{
		client:  st.s.client,
		dev:     dev.ID,
		layout:  layout,
		raw:     make([]byte, samples*layout.FrameSize),
		samples: make(map[string][]int16, len(channels)),
	}, nil
}

func (st *IIOStream) Close() error { return st.s.close() }

type iioBuffer struct {
	client  *iiod.Client
	dev     string
	layout  iioxml.Layout
	raw     []byte
	samples map[string][]int16
	closed  bool
}

func (b *iioBuffer) Channels() []string {
	names := make([]string, 0, len(b.layout.Channels))
	for _, ch := range b.layout.Channels {
		names = append(names, ch.ID)
	}
	return names
}

func (b *iioBuffer) Refill(ctx context.Context) error {
	if b.closed {
		return errors.New("refill on closed buffer")
	}
	n, err := b.client.ReadBuffer(ctx, b.dev, b.raw)
	if err != nil {
		return fmt.Errorf("refill %s: %w", b.dev, err)
	}
	if n == 0 {
		return fmt.Errorf("refill %s: no data", b.dev)
	}
	frames, err := b.layout.Demux16(b.raw[:n])
	if err != nil {
		return err
	}
	for i, ch := range b.layout.Channels {
		b.samples[ch.ID] = frames[i]
	}
	return nil
}

func (b *iioBuffer) Read(channel string) ([]int16, error) {
	data, ok := b.samples[channel]
	if !ok {
		return nil, fmt.Errorf("channel %s has no samples: %w", channel, ErrChannelNotFound)
	}
	return data, nil
}

func (b *iioBuffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.CloseBuffer(context.Background(), b.dev)
}
