// Package wire defines the fixed-layout binary messages exchanged between
// the Vulkan layer (producer) and the capture broker (consumer) over the
// rendezvous UNIX socket. Every message starts with a one-byte discriminant
// so the reader can tell them apart before decoding the rest.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Discriminants, first byte on the wire.
const (
	DiscriminantClientInfo  uint8 = 1
	DiscriminantTextureInfo uint8 = 2
)

// API identifies the producer's graphics API.
type API uint8

const (
	APIVulkan API = 0
	APIOpenGL API = 1
)

// DRMFormatModInvalid mirrors DRM_FORMAT_MOD_INVALID: a modifier value of
// all-ones means "no explicit tiling/compression modifier".
const DRMFormatModInvalid uint64 = ^uint64(0)

// execNameLen is the fixed width of ClientInfo's executable basename field.
const execNameLen = 64

// ClientInfo identifies a connecting producer: its pid, executable basename,
// and which graphics API it is instrumenting. Metadata only, no fds.
type ClientInfo struct {
	PID        int32
	Executable string // truncated/NUL-padded to execNameLen on the wire
	API        API
}

// clientInfoSize is the exact wire size of ClientInfo: discriminant + pid +
// executable + api, with no padding.
const clientInfoSize = 1 + 4 + execNameLen + 1

// Size returns ClientInfo's fixed wire size.
func (ClientInfo) Size() int { return clientInfoSize }

// MarshalBinary encodes ci in wire order.
func (ci ClientInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, clientInfoSize)
	buf[0] = DiscriminantClientInfo
	binary.LittleEndian.PutUint32(buf[1:5], uint32(ci.PID))
	name := []byte(ci.Executable)
	if len(name) > execNameLen {
		name = name[:execNameLen]
	}
	copy(buf[5:5+execNameLen], name)
	buf[5+execNameLen] = uint8(ci.API)
	return buf, nil
}

// UnmarshalBinary decodes a ClientInfo from exactly Size() bytes.
func (ci *ClientInfo) UnmarshalBinary(buf []byte) error {
	if len(buf) != clientInfoSize {
		return fmt.Errorf("wire: ClientInfo: want %d bytes, got %d", clientInfoSize, len(buf))
	}
	if buf[0] != DiscriminantClientInfo {
		return fmt.Errorf("wire: ClientInfo: bad discriminant %d", buf[0])
	}
	ci.PID = int32(binary.LittleEndian.Uint32(buf[1:5]))
	name := buf[5 : 5+execNameLen]
	ci.Executable = string(bytes.TrimRight(name, "\x00"))
	ci.API = API(buf[5+execNameLen])
	return nil
}

// TextureInfo describes the exported DMA-BUF backing a producer's current
// swapchain backbuffer: its geometry, per-plane layout, and DRM format
// modifier. NFD file descriptors accompany it out-of-band via SCM_RIGHTS.
type TextureInfo struct {
	Width    uint32
	Height   uint32
	Format   uint32 // DRM FourCC, 0 = inferred
	Flip     bool
	NFD      uint8 // 1..4
	Strides  [4]uint32
	Offsets  [4]uint32
	Modifier uint64
	WindowID uint32 // 0 = none; X11 window id for cursor overlay placement
}

// textureInfoSize is the exact wire size of TextureInfo, no padding.
const textureInfoSize = 1 + 4 + 4 + 4 + 1 + 1 + 4*4 + 4*4 + 8 + 4

// Size returns TextureInfo's fixed wire size.
func (TextureInfo) Size() int { return textureInfoSize }

// MarshalBinary encodes ti in wire order.
func (ti TextureInfo) MarshalBinary() ([]byte, error) {
	if ti.NFD < 1 || ti.NFD > 4 {
		return nil, fmt.Errorf("wire: TextureInfo: nfd %d out of range [1,4]", ti.NFD)
	}
	buf := make([]byte, textureInfoSize)
	off := 0
	buf[off] = DiscriminantTextureInfo
	off++
	binary.LittleEndian.PutUint32(buf[off:], ti.Width)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], ti.Height)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], ti.Format)
	off += 4
	if ti.Flip {
		buf[off] = 1
	}
	off++
	buf[off] = ti.NFD
	off++
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(buf[off:], ti.Strides[i])
		off += 4
	}
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(buf[off:], ti.Offsets[i])
		off += 4
	}
	binary.LittleEndian.PutUint64(buf[off:], ti.Modifier)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], ti.WindowID)
	off += 4
	return buf, nil
}

// UnmarshalBinary decodes a TextureInfo from exactly Size() bytes.
func (ti *TextureInfo) UnmarshalBinary(buf []byte) error {
	if len(buf) != textureInfoSize {
		return fmt.Errorf("wire: TextureInfo: want %d bytes, got %d", textureInfoSize, len(buf))
	}
	if buf[0] != DiscriminantTextureInfo {
		return fmt.Errorf("wire: TextureInfo: bad discriminant %d", buf[0])
	}
	off := 1
	ti.Width = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	ti.Height = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	ti.Format = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	ti.Flip = buf[off] != 0
	off++
	ti.NFD = buf[off]
	off++
	for i := 0; i < 4; i++ {
		ti.Strides[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	for i := 0; i < 4; i++ {
		ti.Offsets[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	ti.Modifier = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	ti.WindowID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if ti.NFD < 1 || ti.NFD > 4 {
		return fmt.Errorf("wire: TextureInfo: nfd %d out of range [1,4]", ti.NFD)
	}
	return nil
}

// Discriminant peeks the first byte of a received message without decoding
// the rest, so the caller can dispatch to the right Unmarshal.
func Discriminant(buf []byte) (uint8, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("wire: empty message")
	}
	return buf[0], nil
}
