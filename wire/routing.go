/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wire

import (
	"encoding/binary"
	"errors"
)

// Routing protocol magic and version, per spec.md section 4.4.
const (
	RouteMagic0   byte = 'R'
	RouteMagic1   byte = 'T'
	RouteVersion1 byte = 1

	OpRouteGet byte = 0x40
	OpRouteRsp byte = 0x41
)

// Route response status codes.
const (
	RouteStatusOK       byte = 0
	RouteStatusNotFound byte = 1
	RouteStatusMalformed byte = 2
	RouteStatusDenied   byte = 3
)

var (
	ErrBadMagic        = errors.New("wire: bad routing magic")
	ErrBadVersion      = errors.New("wire: unsupported routing version")
	ErrBadOpcode       = errors.New("wire: unexpected routing opcode")
	ErrNameTooLong     = errors.New("wire: route name exceeds 255 bytes")
	ErrShortRouteFrame = errors.New("wire: routing frame truncated")
)

// RouteRequest is the OP_GET=0x40 request frame: 'R','T',1,0x40,name_len,name,nonce.
type RouteRequest struct {
	Name  string
	Nonce uint32
}

func (r RouteRequest) Encode() ([]byte, error) {
	if len(r.Name) > 255 {
		return nil, ErrNameTooLong
	}
	b := make([]byte, 5+len(r.Name)+4)
	b[0], b[1], b[2], b[3] = RouteMagic0, RouteMagic1, RouteVersion1, OpRouteGet
	b[4] = byte(len(r.Name))
	copy(b[5:5+len(r.Name)], r.Name)
	binary.LittleEndian.PutUint32(b[5+len(r.Name):], r.Nonce)
	return b, nil
}

func DecodeRouteRequest(b []byte) (RouteRequest, error) {
	if len(b) < 5 {
		return RouteRequest{}, ErrShortRouteFrame
	}
	if b[0] != RouteMagic0 || b[1] != RouteMagic1 {
		return RouteRequest{}, ErrBadMagic
	}
	if b[2] != RouteVersion1 {
		return RouteRequest{}, ErrBadVersion
	}
	if b[3] != OpRouteGet {
		return RouteRequest{}, ErrBadOpcode
	}
	nameLen := int(b[4])
	if len(b) < 5+nameLen+4 {
		return RouteRequest{}, ErrShortRouteFrame
	}
	name := string(b[5 : 5+nameLen])
	nonce := binary.LittleEndian.Uint32(b[5+nameLen : 5+nameLen+4])
	return RouteRequest{Name: name, Nonce: nonce}, nil
}

// RouteReply is the OP_RSP=0x41 reply frame.
type RouteReply struct {
	Status   byte
	SendSlot uint32
	RecvSlot uint32
	Nonce    uint32
}

func (r RouteReply) Encode() []byte {
	b := make([]byte, 4+1+4+4+4)
	b[0], b[1], b[2], b[3] = RouteMagic0, RouteMagic1, RouteVersion1, OpRouteRsp
	b[4] = r.Status
	binary.LittleEndian.PutUint32(b[5:9], r.SendSlot)
	binary.LittleEndian.PutUint32(b[9:13], r.RecvSlot)
	binary.LittleEndian.PutUint32(b[13:17], r.Nonce)
	return b
}

func DecodeRouteReply(b []byte) (RouteReply, error) {
	if len(b) < 17 {
		return RouteReply{}, ErrShortRouteFrame
	}
	if b[0] != RouteMagic0 || b[1] != RouteMagic1 {
		return RouteReply{}, ErrBadMagic
	}
	if b[2] != RouteVersion1 {
		return RouteReply{}, ErrBadVersion
	}
	if b[3] != OpRouteRsp {
		return RouteReply{}, ErrBadOpcode
	}
	return RouteReply{
		Status:   b[4],
		SendSlot: binary.LittleEndian.Uint32(b[5:9]),
		RecvSlot: binary.LittleEndian.Uint32(b[9:13]),
		Nonce:    binary.LittleEndian.Uint32(b[13:17]),
	}, nil
}

// BootstrapInfoPageSize is the size of the read-only bootstrap info page,
// version 2 (adds service_id).
const BootstrapInfoPageSize = 4 + 8 + 4 + 4

// BootstrapInfoPage is published read-only to every spawned task.
type BootstrapInfoPage struct {
	Version     uint32
	ServiceID   uint64
	MetaNamePtr uint32
	MetaNameLen uint32
}

func (p BootstrapInfoPage) Encode() []byte {
	b := make([]byte, BootstrapInfoPageSize)
	binary.LittleEndian.PutUint32(b[0:4], p.Version)
	binary.LittleEndian.PutUint64(b[4:12], p.ServiceID)
	binary.LittleEndian.PutUint32(b[12:16], p.MetaNamePtr)
	binary.LittleEndian.PutUint32(b[16:20], p.MetaNameLen)
	return b
}

func DecodeBootstrapInfoPage(b []byte) (BootstrapInfoPage, error) {
	if len(b) < BootstrapInfoPageSize {
		return BootstrapInfoPage{}, ErrShortRouteFrame
	}
	return BootstrapInfoPage{
		Version:     binary.LittleEndian.Uint32(b[0:4]),
		ServiceID:   binary.LittleEndian.Uint64(b[4:12]),
		MetaNamePtr: binary.LittleEndian.Uint32(b[12:16]),
		MetaNameLen: binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}
