package iioxml

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Layout describes where each enabled channel sits inside one buffer frame.
// The frame order is the scan index order; each element is aligned to its
// own storage size, as the kernel does.
type Layout struct {
	Channels  []*Channel
	Offsets   []int
	FrameSize int
}

// NewLayout builds the frame layout for the enabled scan channels.
func NewLayout(enabled []*Channel) (Layout, error) {
	var l Layout
	off, align := 0, 1
	for _, ch := range enabled {
		if ch.Format == nil {
			return Layout{}, fmt.Errorf("channel %s is not a scan element", ch.ID)
		}
		size := int(ch.Format.Length / 8)
		if rem := off % size; rem != 0 {
			off += size - rem
		}
		if size > align {
			align = size
		}
		l.Channels = append(l.Channels, ch)
		l.Offsets = append(l.Offsets, off)
		off += ch.Format.Bytes()
	}
	if rem := off % align; rem != 0 {
		off += align - rem
	}
	l.FrameSize = off
	return l, nil
}

// Mask renders the enabled-channel bitmask in the form the IIOD OPEN command
// expects: 32-bit hex words, most significant word first.
func Mask(enabled []*Channel, total int) string {
	words := (total + 31) / 32
	if words == 0 {
		words = 1
	}
	bits := make([]uint32, words)
	for _, ch := range enabled {
		if ch.Format == nil || ch.Format.Index < 0 {
			continue
		}
		w := ch.Format.Index / 32
		if w < words {
			bits[w] |= 1 << uint(ch.Format.Index%32)
		}
	}
	var b strings.Builder
	for i := words - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%08x", bits[i])
	}
	return b.String()
}

// Demux16 splits a raw buffer into per-channel 16-bit storage words. The
// values are the raw storage, neither shifted nor sign-extended, which is
// what the capture statistics report.
func (l Layout) Demux16(buf []byte) ([][]int16, error) {
	if l.FrameSize == 0 {
		return nil, fmt.Errorf("empty layout")
	}
	for _, ch := range l.Channels {
		if ch.Format.Length != 16 || ch.Format.Repeat != 1 {
			return nil, fmt.Errorf("channel %s: only 16-bit storage is supported, got %d bits x%d",
				ch.ID, ch.Format.Length, ch.Format.Repeat)
		}
	}
	frames := len(buf) / l.FrameSize
	out := make([][]int16, len(l.Channels))
	for i := range out {
		out[i] = make([]int16, frames)
	}
	for n := 0; n < frames; n++ {
		frame := buf[n*l.FrameSize : (n+1)*l.FrameSize]
		for i, ch := range l.Channels {
			raw := frame[l.Offsets[i] : l.Offsets[i]+2]
			if ch.Format.IsBE {
				out[i][n] = int16(binary.BigEndian.Uint16(raw))
			} else {
				out[i][n] = int16(binary.LittleEndian.Uint16(raw))
			}
		}
	}
	return out, nil
}

// Mux16 interleaves per-channel samples into frames. Every slice must have
// the same length and appear in layout order.
func (l Layout) Mux16(channels [][]int16) ([]byte, error) {
	if len(channels) != len(l.Channels) {
		return nil, fmt.Errorf("got %d channel arrays for %d enabled channels", len(channels), len(l.Channels))
	}
	frames := 0
	for i, data := range channels {
		if l.Channels[i].Format.Length != 16 || l.Channels[i].Format.Repeat != 1 {
			return nil, fmt.Errorf("channel %s: only 16-bit storage is supported", l.Channels[i].ID)
		}
		if i == 0 {
			frames = len(data)
		} else if len(data) != frames {
			return nil, fmt.Errorf("channel array lengths differ: %d vs %d", frames, len(data))
		}
	}
	buf := make([]byte, frames*l.FrameSize)
	for n := 0; n < frames; n++ {
		frame := buf[n*l.FrameSize : (n+1)*l.FrameSize]
		for i, ch := range l.Channels {
			raw := frame[l.Offsets[i] : l.Offsets[i]+2]
			if ch.Format.IsBE {
				binary.BigEndian.PutUint16(raw, uint16(channels[i][n]))
			} else {
				binary.LittleEndian.PutUint16(raw, uint16(channels[i][n]))
			}
		}
	}
	return buf, nil
}
