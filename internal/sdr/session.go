package sdr

import (
	"context"
	"fmt"
	"time"

	"github.com/rjboer/sdrdiag/internal/iiod"
	"github.com/rjboer/sdrdiag/internal/iioxml"
	"github.com/rjboer/sdrdiag/internal/logging"
)

// Options configure the IIOD-backed devices.
type Options struct {
	Logger logging.Logger
	// Timeout bounds each protocol exchange on the socket. Zero keeps the
	// iiod default.
	Timeout time.Duration
	// ServerTimeout is sent with the TIMEOUT command when positive.
	ServerTimeout time.Duration
}

func (o Options) logger() logging.Logger {
	if o.Logger == nil {
		return logging.Default()
	}
	return o.Logger
}

// session is one IIOD connection plus the context description it served.
type session struct {
	client *iiod.Client
	iio    *iioxml.Context
	logger logging.Logger
}

func dialSession(ctx context.Context, uri string, opts Options) (*session, error) {
	clientOpts := []iiod.Option{iiod.WithLogger(opts.logger())}
	if opts.Timeout > 0 {
		clientOpts = append(clientOpts, iiod.WithTimeout(opts.Timeout))
	}
	client, err := iiod.Dial(ctx, uri, clientOpts...)
	if err != nil {
		return nil, err
	}
	s, err := newSession(ctx, client, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newSession(ctx context.Context, client *iiod.Client, opts Options) (*session, error) {
	logger := opts.logger()
	if opts.ServerTimeout > 0 {
		if err := client.SetServerTimeout(ctx, int(opts.ServerTimeout/time.Millisecond)); err != nil {
			logger.Warn("set server timeout failed", logging.Err(err))
		}
	}
	raw, err := client.PrintXML(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch context description: %w", err)
	}
	iio, err := iioxml.Parse(raw)
	if err != nil {
		return nil, err
	}
	logger.Debug("context loaded",
		logging.F("devices", len(iio.Devices)),
		logging.F("version", fmt.Sprintf("%s.%s", iio.VersionMajor, iio.VersionMinor)))
	return &session{client: client, iio: iio, logger: logger}, nil
}

func (s *session) describe() ContextInfo {
	info := ContextInfo{
		Name:        s.iio.Name,
		Description: s.iio.Description,
		Attrs:       make(map[string]string, len(s.iio.Attributes)),
	}
	for _, a := range s.iio.Attributes {
		info.Attrs[a.Name] = a.Value
	}
	for _, d := range s.iio.Devices {
		info.Devices = append(info.Devices, DeviceInfo{ID: d.ID, Name: d.DisplayName(), Channels: len(d.Channels)})
	}
	return info
}

func (s *session) close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
