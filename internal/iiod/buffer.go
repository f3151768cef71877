package iiod

import (
	"context"
	"fmt"
	"io"

	"github.com/rjboer/sdrdiag/internal/logging"
)

// OpenBuffer opens a device buffer of samples frames with the channels in
// mask enabled. Cyclic buffers replay the first block written until closed.
//
//	OPEN <dev> <samples> <mask> [CYCLIC]
func (c *Client) OpenBuffer(ctx context.Context, dev string, samples int, mask string, cyclic bool) error {
	if samples <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", samples)
	}
	cmd := fmt.Sprintf("OPEN %s %d %s", dev, samples, mask)
	if cyclic {
		cmd += " CYCLIC"
	}
	return c.exchange(ctx, "OPEN "+dev, func() error {
		_, err := c.command("OPEN "+dev, cmd)
		return err
	})
}

// CloseBuffer releases the buffer opened on dev.
func (c *Client) CloseBuffer(ctx context.Context, dev string) error {
	return c.exchange(ctx, "CLOSE "+dev, func() error {
		_, err := c.command("CLOSE "+dev, "CLOSE "+dev)
		return err
	})
}

// ReadBuffer fills dst from the open buffer on dev. It blocks until the
// daemon delivered len(dst) bytes or signalled the end of data.
//
//	READBUF <dev> <len>
//	-> N     N > 0: the channel mask line (first chunk only), then N bytes
//	         N == 0: done, N < 0: errno
func (c *Client) ReadBuffer(ctx context.Context, dev string, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	op := "READBUF " + dev
	total := 0
	err := c.exchange(ctx, op, func() error {
		if err := c.writeLine(fmt.Sprintf("READBUF %s %d", dev, len(dst))); err != nil {
			return err
		}
		maskRead := false
		for total < len(dst) {
			n, err := c.readInteger()
			if err != nil {
				return err
			}
			if n < 0 {
				return &StatusError{Op: op, Code: n}
			}
			if n == 0 {
				break
			}
			if !maskRead {
				mask, err := c.readLine()
				if err != nil {
					return fmt.Errorf("read channel mask: %w", err)
				}
				c.logger.Debug("readbuf mask", logging.F("dev", dev), logging.F("mask", mask))
				maskRead = true
			}
			if total+n > len(dst) {
				return fmt.Errorf("daemon announced %d bytes with only %d requested", total+n, len(dst))
			}
			if _, err := io.ReadFull(c.r, dst[total:total+n]); err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// WriteBuffer pushes data into the open buffer on dev.
//
//	WRITEBUF <dev> <len> -> status, <len bytes> -> status
func (c *Client) WriteBuffer(ctx context.Context, dev string, data []byte) error {
	op := "WRITEBUF " + dev
	return c.exchange(ctx, op, func() error {
		if _, err := c.command(op, fmt.Sprintf("WRITEBUF %s %d", dev, len(data))); err != nil {
			return err
		}
		if err := c.writeAll(data); err != nil {
			return err
		}
		v, err := c.readInteger()
		if err != nil {
			return err
		}
		if v < 0 {
			return &StatusError{Op: op, Code: v}
		}
		return nil
	})
}
