package iioxml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrNotFound is returned by the lookup helpers.
var ErrNotFound = errors.New("not found in IIO context")

// Parse decodes a PRINT payload and builds the lookup tables.
func Parse(raw []byte) (*Context, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty XML data")
	}
	var ctx Context
	if err := xml.Unmarshal(raw, &ctx); err != nil {
		return nil, fmt.Errorf("IIOD XML parse error: %w", err)
	}
	if err := ctx.index(); err != nil {
		return nil, err
	}
	return &ctx, nil
}

func (c *Context) index() error {
	c.byID = make(map[string]*Device, len(c.Devices))
	c.byName = make(map[string]*Device, len(c.Devices))
	for i := range c.Devices {
		dev := &c.Devices[i]
		if dev.ID != "" {
			c.byID[dev.ID] = dev
		}
		if dev.Name != "" {
			c.byName[dev.Name] = dev
		}
		for ci := range dev.Channels {
			ch := &dev.Channels[ci]
			if ch.ScanElement == nil {
				continue
			}
			f, err := ParseScanFormat(ch.ScanElement.Format)
			if err != nil {
				return fmt.Errorf("device %s channel %s: %w", dev.ID, ch.ID, err)
			}
			idx, err := strconv.Atoi(ch.ScanElement.Index)
			if err != nil {
				return fmt.Errorf("device %s channel %s: bad scan index %q", dev.ID, ch.ID, ch.ScanElement.Index)
			}
			f.Index = idx
			ch.Format = &f
		}
	}
	return nil
}

// Attr returns a context attribute value and whether it was present.
func (c *Context) Attr(name string) (string, bool) {
	for _, a := range c.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Device looks a device up by name first, then by id ("iio:device3").
func (c *Context) Device(identifier string) (*Device, error) {
	if d, ok := c.byName[identifier]; ok {
		return d, nil
	}
	if d, ok := c.byID[identifier]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("device %q: %w", identifier, ErrNotFound)
}

// FindDevice returns the first device whose name contains substr,
// case-insensitively. Vendor kernels append suffixes to the AD9361 names
// (cf-ad9361-dds-core-lpc, ...), so exact matches are too strict.
func (c *Context) FindDevice(substr string) (*Device, bool) {
	want := strings.ToLower(substr)
	for i := range c.Devices {
		if strings.Contains(strings.ToLower(c.Devices[i].Name), want) {
			return &c.Devices[i], true
		}
	}
	return nil, false
}

// DisplayName prefers the device name and falls back to its id.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Channel finds a channel by id or name with the given direction.
func (d *Device) Channel(id string, output bool) (*Channel, error) {
	for i := range d.Channels {
		ch := &d.Channels[i]
		if ch.IsOutput() != output {
			continue
		}
		if ch.ID == id || (ch.Name != "" && ch.Name == id) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("channel %q on %s: %w", id, d.DisplayName(), ErrNotFound)
}

// ScanChannels returns the streaming channels ordered by scan index. This is
// the order samples appear in a buffer and the bit order of the OPEN mask.
func (d *Device) ScanChannels() []*Channel {
	var out []*Channel
	for i := range d.Channels {
		if d.Channels[i].Format != nil {
			out = append(out, &d.Channels[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Format.Index < out[j].Format.Index })
	return out
}

// HasAttr reports whether the channel exposes attr.
func (ch *Channel) HasAttr(attr string) bool {
	for _, a := range ch.Attributes {
		if a.Name == attr {
			return true
		}
	}
	return false
}

// IsOutput reports whether the channel is an output channel.
func (ch *Channel) IsOutput() bool { return ch.Type == "output" }

// ParseScanFormat decodes "le:S12/16>>0", "be:u8/8X2>>4" and friends.
func ParseScanFormat(s string) (ScanFormat, error) {
	var f ScanFormat
	endian, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return f, fmt.Errorf("malformed scan format %q", s)
	}
	switch endian {
	case "le":
	case "be":
		f.IsBE = true
	default:
		return f, fmt.Errorf("unknown endianness in scan format %q", s)
	}

	switch rest[0] {
	case 's', 'S':
		f.IsSigned = true
	case 'u', 'U':
	default:
		return f, fmt.Errorf("unknown sign in scan format %q", s)
	}
	rest = rest[1:]

	bitsStr, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return f, fmt.Errorf("missing storage length in scan format %q", s)
	}
	lengthStr, shiftStr, ok := strings.Cut(rest, ">>")
	if !ok {
		return f, fmt.Errorf("missing shift in scan format %q", s)
	}
	f.Repeat = 1
	if l, r, found := strings.Cut(lengthStr, "X"); found {
		repeat, err := strconv.ParseUint(r, 10, 32)
		if err != nil || repeat == 0 {
			return f, fmt.Errorf("bad repeat in scan format %q", s)
		}
		f.Repeat = uint(repeat)
		lengthStr = l
	}

	bits, err := strconv.ParseUint(bitsStr, 10, 32)
	if err != nil {
		return f, fmt.Errorf("bad bit count in scan format %q", s)
	}
	length, err := strconv.ParseUint(lengthStr, 10, 32)
	if err != nil || length == 0 || length%8 != 0 {
		return f, fmt.Errorf("bad storage length in scan format %q", s)
	}
	shift, err := strconv.ParseUint(shiftStr, 10, 32)
	if err != nil {
		return f, fmt.Errorf("bad shift in scan format %q", s)
	}
	if bits > length {
		return f, fmt.Errorf("bit count exceeds storage in scan format %q", s)
	}
	f.Bits, f.Length, f.Shift = uint(bits), uint(length), uint(shift)
	return f, nil
}

// Bytes is the storage size of one element including repeats.
func (f ScanFormat) Bytes() int { return int(f.Length/8) * int(f.Repeat) }
