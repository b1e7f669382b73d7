package broker

import (
	"testing"

	"golang.org/x/sys/unix"

	"vkcapture/internal/wire"
)

func newTestServer() *Server {
	return New(DefaultConfig())
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func registerClient(s *Server, fd int) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := newClient(s.nextID, fd)
	s.clients[fd] = c
	return c
}

func TestDrainClientParsesClientInfo(t *testing.T) {
	brokerFD, peerFD := socketpair(t)
	s := newTestServer()
	registerClient(s, brokerFD)

	ci := wire.ClientInfo{PID: 42, Executable: "game", API: wire.APIVulkan}
	buf, err := ci.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := unix.Write(peerFD, buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	s.drainClient(brokerFD)

	c, ok := s.Client(1)
	if !ok {
		t.Fatal("client removed after a valid ClientInfo")
	}
	if c.Info.PID != 42 || c.Info.Executable != "game" {
		t.Fatalf("got %+v, want pid=42 executable=game", c.Info)
	}
}

func TestDrainClientInstallsTextureInfoAndFDs(t *testing.T) {
	brokerFD, peerFD := socketpair(t)
	s := newTestServer()
	registerClient(s, brokerFD)

	dataFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(dataFDs[1]) })

	ti := wire.TextureInfo{Width: 1920, Height: 1080, NFD: 1, Strides: [4]uint32{7680}, Modifier: wire.DRMFormatModInvalid}
	buf, err := ti.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := unix.Sendmsg(peerFD, buf, unix.UnixRights(dataFDs[0]), nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}

	s.drainClient(brokerFD)

	c, ok := s.Client(1)
	if !ok {
		t.Fatal("client removed after a valid TextureInfo")
	}
	if c.BufID != 1 {
		t.Fatalf("got buf_id %d, want 1", c.BufID)
	}
	if c.BufFDs[0] < 0 {
		t.Fatal("buf fd not installed")
	}
	unix.Close(c.BufFDs[0])
}

func TestDrainClientCleansUpOnFDCountMismatch(t *testing.T) {
	brokerFD, peerFD := socketpair(t)
	s := newTestServer()
	registerClient(s, brokerFD)

	dataFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(dataFDs[1]) })

	// Claims 2 planes but only one fd rides along: must be rejected and
	// the client must be dropped, not left half-updated.
	ti := wire.TextureInfo{Width: 1920, Height: 1080, NFD: 2, Modifier: wire.DRMFormatModInvalid}
	buf, err := ti.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := unix.Sendmsg(peerFD, buf, unix.UnixRights(dataFDs[0]), nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}

	s.drainClient(brokerFD)

	if _, ok := s.Client(1); ok {
		t.Fatal("client not cleaned up on nfd mismatch")
	}
}

func TestDrainClientCleansUpOnEOF(t *testing.T) {
	brokerFD, peerFD := socketpair(t)
	s := newTestServer()
	registerClient(s, brokerFD)
	unix.Close(peerFD)

	s.drainClient(brokerFD)

	if _, ok := s.Client(1); ok {
		t.Fatal("client not cleaned up on EOF")
	}
}

func TestTextureInfoSupersessionBumpsBufIDAndClosesOldFD(t *testing.T) {
	brokerFD, peerFD := socketpair(t)
	s := newTestServer()
	registerClient(s, brokerFD)

	first, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	second, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(first[1])
		unix.Close(second[1])
	})

	ti := wire.TextureInfo{Width: 100, Height: 100, NFD: 1, Modifier: wire.DRMFormatModInvalid}
	buf, err := ti.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if err := unix.Sendmsg(peerFD, buf, unix.UnixRights(first[0]), nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}
	s.drainClient(brokerFD)
	c, _ := s.Client(1)
	oldFD := c.BufFDs[0]

	if err := unix.Sendmsg(peerFD, buf, unix.UnixRights(second[0]), nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}
	s.drainClient(brokerFD)
	c, _ = s.Client(1)

	if c.BufID != 2 {
		t.Fatalf("got buf_id %d, want 2 (strictly increasing)", c.BufID)
	}
	if _, err := unix.FcntlInt(uintptr(oldFD), unix.F_GETFD, 0); err == nil {
		t.Fatal("old buf fd not closed on supersession")
	}
	unix.Close(c.BufFDs[0])
}

func TestFirstClientPicksLowestID(t *testing.T) {
	fdA, _ := socketpair(t)
	fdB, _ := socketpair(t)
	s := newTestServer()
	registerClient(s, fdA)
	registerClient(s, fdB)

	c, ok := s.FirstClient()
	if !ok {
		t.Fatal("expected a client")
	}
	if c.ID != 1 {
		t.Fatalf("got client %d, want the first-registered client (id 1)", c.ID)
	}
}

func TestCleanupClientRemovesFromMap(t *testing.T) {
	fd, _ := socketpair(t)
	s := newTestServer()
	registerClient(s, fd)

	s.cleanupClient(fd)

	if _, ok := s.Client(1); ok {
		t.Fatal("client still present after cleanupClient")
	}
}
