package iiod

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Attr addresses a device attribute (Channel empty) or a channel attribute.
// Device is the IIO device id ("iio:device1") as used on the wire.
type Attr struct {
	Device  string
	Channel string
	Output  bool
	Name    string
}

func (a Attr) String() string {
	if a.Channel == "" {
		return a.Device + "/" + a.Name
	}
	dir := "in"
	if a.Output {
		dir = "out"
	}
	return fmt.Sprintf("%s/%s_%s/%s", a.Device, dir, a.Channel, a.Name)
}

func (a Attr) target() (string, error) {
	if a.Device == "" || a.Name == "" {
		return "", errors.New("device and attribute name are required")
	}
	if a.Channel == "" {
		return a.Device + " " + a.Name, nil
	}
	dir := "INPUT"
	if a.Output {
		dir = "OUTPUT"
	}
	return fmt.Sprintf("%s %s %s %s", a.Device, dir, a.Channel, a.Name), nil
}

// ReadAttr reads an attribute value. Equivalent to libiio's
// "READ <dev> [INPUT|OUTPUT <chn>] <attr>".
func (c *Client) ReadAttr(ctx context.Context, a Attr) (string, error) {
	target, err := a.target()
	if err != nil {
		return "", err
	}
	var value string
	op := "READ " + a.String()
	err = c.exchange(ctx, op, func() error {
		n, err := c.command(op, "READ "+target)
		if err != nil {
			return err
		}
		payload, err := c.readPayload(n)
		if err != nil {
			return err
		}
		value = strings.TrimRight(string(payload), "\x00\r\n")
		return nil
	})
	return value, err
}

// WriteAttr writes an attribute value. The payload length is announced on
// the command line and the bytes follow without a newline, then the daemon
// answers with the number of bytes consumed.
func (c *Client) WriteAttr(ctx context.Context, a Attr, value string) error {
	target, err := a.target()
	if err != nil {
		return err
	}
	op := "WRITE " + a.String()
	return c.exchange(ctx, op, func() error {
		payload := []byte(value)
		if err := c.writeLine(fmt.Sprintf("WRITE %s %d", target, len(payload))); err != nil {
			return err
		}
		if err := c.writeAll(payload); err != nil {
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
