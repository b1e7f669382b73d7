package vklayer

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"vkcapture/internal/diag"
	"vkcapture/internal/wire"
)

// SocketPath is the well-known rendezvous socket per spec.md §6.
const SocketPath = "/tmp/obs-vkcapture.sock"

// tryConnect creates a stream socket and connects it to
// SocketPath, grounded on capture_try_connect. The socket starts blocking
// for the connect attempt (spec.md §5: "connect... is blocking once per
// ~60 presents"), then is switched to nonblocking on success.
func tryConnect(conn *ConnectionState) bool {
	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		diag.Logf("vklayer", "socket: %v", err)
		return false
	}
	addr := &unix.SockaddrUnix{Name: SocketPath}
	if err := unix.Connect(sock, addr); err != nil {
		unix.Close(sock)
		return false
	}
	if err := unix.SetNonblock(sock, true); err != nil {
		unix.Close(sock)
		return false
	}
	conn.SetFD(sock)
	if err := sendClientInfo(sock); err != nil {
		diag.Logf("vklayer", "send client info: %v", err)
		unix.Close(sock)
		conn.SetFD(-1)
		return false
	}
	return true
}

// probeAlive issues the single-byte liveness recv from capture_update_socket:
// EAGAIN/EWOULDBLOCK is benign (still alive, no data), 0 or any other error
// means the peer is gone.
func probeAlive(conn *ConnectionState) bool {
	fd := conn.FD()
	if fd < 0 {
		return false
	}
	buf := make([]byte, 1)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true
		}
		if err != unix.ECONNRESET {
			diag.Logf("vklayer", "socket recv error: %v", err)
		}
		return false
	}
	return n > 0
}

// sendClientInfo sends the producer's ClientInfo immediately after connect,
// so the broker can identify it before any TextureInfo arrives.
func sendClientInfo(fd int) error {
	exe, err := os.Executable()
	if err != nil {
		exe = "unknown"
	}
	ci := wire.ClientInfo{
		PID:        int32(os.Getpid()),
		Executable: filepath.Base(exe),
		API:        wire.APIVulkan,
	}
	buf, err := ci.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = unix.Write(fd, buf)
	return err
}

// sendTextureInfo packs a TextureInfo plus its DMA-BUF fd into a single
// sendmsg carrying an SCM_RIGHTS ancillary message, grounded on
// capture_init_shtex.
func sendTextureInfo(conn *ConnectionState, ti wire.TextureInfo, fd int) error {
	fdConn := conn.FD()
	if fdConn < 0 {
		return fmt.Errorf("vklayer: not connected")
	}
	buf, err := ti.MarshalBinary()
	if err != nil {
		return err
	}
	rights := unix.UnixRights(fd)
	return unix.Sendmsg(fdConn, buf, rights, nil, 0)
}

// closeFD closes fd if it is a valid descriptor, logging failures but never
// propagating them: per spec.md §7, nothing about teardown is fatal.
func closeFD(fd int) {
	if fd < 0 {
		return
	}
	if err := unix.Close(fd); err != nil {
		diag.Logf("vklayer", "close fd %d: %v", fd, err)
	}
}

// buildTextureInfo derives the wire TextureInfo for an export image, per
// spec.md §3's field list. format=0 means "inferred" and modifier is always
// DRM_FORMAT_MOD_INVALID: this layer does not negotiate an explicit DRM
// format modifier with the consumer, matching capture_init_shtex's
// modifiers=0 (mapped to the sentinel "no explicit modifier" value).
func buildTextureInfo(sw *SwapchainState, exp *ExportImage) wire.TextureInfo {
	return wire.TextureInfo{
		Width:    sw.Width,
		Height:   sw.Height,
		Format:   0,
		Flip:     false,
		NFD:      1,
		Strides:  [4]uint32{exp.RowPitch, 0, 0, 0},
		Offsets:  [4]uint32{exp.Offset, 0, 0, 0},
		Modifier: wire.DRMFormatModInvalid,
		WindowID: 0,
	}
}

// sendExportTexture is the sendTexture closure HandleQueuePresent's caller
// wires up: build the wire message and hand it to sendTextureInfo.
func sendExportTexture(conn *ConnectionState, sw *SwapchainState) func(*ExportImage) error {
	return func(exp *ExportImage) error {
		ti := buildTextureInfo(sw, exp)
		if err := sendTextureInfo(conn, ti, exp.FD); err != nil {
			return err
		}
		conn.SetCapturing(true)
		return nil
	}
}
