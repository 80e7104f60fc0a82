/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package wire defines the normative on-the-wire layouts the core moves
// between tasks: the 16-byte message header, the syscall/header flag bits,
// and the bootstrap routing protocol frames. Layouts are little-endian
// throughout, matching entry.ENTRY_HEADER_SIZE's fixed-header discipline.
package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the normative 16-byte message header: src, dst, ty, flags, len.
const HeaderSize = 4 + 4 + 2 + 2 + 4

// MinMaxFrameBytes is the floor for a configured MAX_FRAME_BYTES.
const MinMaxFrameBytes = 512

// Syscall flags (sys_flags argument to send/recv).
const (
	FlagNonblock uint32 = 1 << 0
	FlagTruncate uint32 = 1 << 1
)

// Header flags (header.flags field).
const (
	HeaderFlagCapMove uint16 = 1 << 0
)

var (
	ErrShortHeader  = errors.New("wire: buffer too short for header")
	ErrShortPayload = errors.New("wire: buffer shorter than header.len")
)

// Header is the normative 16-byte message header.
type Header struct {
	Src   uint32
	Dst   uint32
	Ty    uint16
	Flags uint16
	Len   uint32
}

// Encode writes the header in its normative little-endian layout into b,
// which must be at least HeaderSize bytes.
func (h Header) Encode(b []byte) error {
	if len(b) < HeaderSize {
		return ErrShortHeader
	}
	binary.LittleEndian.PutUint32(b[0:4], h.Src)
	binary.LittleEndian.PutUint32(b[4:8], h.Dst)
	binary.LittleEndian.PutUint16(b[8:10], h.Ty)
	binary.LittleEndian.PutUint16(b[10:12], h.Flags)
	binary.LittleEndian.PutUint32(b[12:16], h.Len)
	return nil
}

// DecodeHeader reads a Header from its normative little-endian layout.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Src:   binary.LittleEndian.Uint32(b[0:4]),
		Dst:   binary.LittleEndian.Uint32(b[4:8]),
		Ty:    binary.LittleEndian.Uint16(b[8:10]),
		Flags: binary.LittleEndian.Uint16(b[10:12]),
		Len:   binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// CapMove is the single in-band capability optionally attached to a Frame.
// Spec.md section 9 reserves multi-handle messages as a future extension;
// v1 carries at most one.
type CapMove struct {
	Kind       uint8
	Rights     uint8
	EndpointID uint32
	Base       uint64
	Len        uint64
}

// Frame is a Header plus its payload and optional moved capability. It is
// the in-memory representation the router queues; Encode/Decode round-trip
// only the header+payload portion, since the moved capability never
// crosses a real wire in this design (only the in-process router sees it).
type Frame struct {
	Header  Header
	Payload []byte
	Cap     *CapMove
}

// Clone returns a deep copy of the frame's payload (the router never
// aliases a sender's buffer into the queue).
func (f Frame) Clone() Frame {
	p := make([]byte, len(f.Payload))
	copy(p, f.Payload)
	nf := Frame{Header: f.Header, Payload: p}
	if f.Cap != nil {
		c := *f.Cap
		nf.Cap = &c
	}
	return nf
}

// EncodeBuf marshals the header followed by the payload into a single
// buffer, mirroring the fixed-header-then-payload layout of entry.Entry.
func (f Frame) EncodeBuf() ([]byte, error) {
	buf := make([]byte, HeaderSize+len(f.Payload))
	if err := f.Header.Encode(buf[:HeaderSize]); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// DecodeBuf parses a header+payload buffer produced by EncodeBuf.
func DecodeBuf(b []byte) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if uint32(len(b)-HeaderSize) < h.Len {
		return Frame{}, ErrShortPayload
	}
	payload := make([]byte, h.Len)
	copy(payload, b[HeaderSize:HeaderSize+int(h.Len)])
	return Frame{Header: h, Payload: payload}, nil
}
