package broker

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"vkcapture/internal/wire"
)

type fakeImporter struct {
	imports  int
	destroys int
	failNext bool
	lastFDs  [maxBufFDs]int
}

func (f *fakeImporter) Import(ti wire.TextureInfo, fds [maxBufFDs]int) (*ImportedTexture, error) {
	f.imports++
	f.lastFDs = fds
	if f.failNext {
		f.failNext = false
		return nil, errors.New("import failed")
	}
	return &ImportedTexture{Image: uintptr(f.imports)}, nil
}

func (f *fakeImporter) Destroy(*ImportedTexture) { f.destroys++ }

// newConnectedClient registers a client backed by a live socketpair and
// returns its id plus the peer fd a fake producer would write to.
func newConnectedClient(t *testing.T, s *Server) (id int, peerFD int) {
	t.Helper()
	brokerFD, peer := socketpair(t)
	c := registerClient(s, brokerFD)
	return c.ID, peer
}

// sockfdOf looks up the broker-side fd backing a registered client.
func sockfdOf(t *testing.T, s *Server, id int) int {
	t.Helper()
	c, ok := s.Client(id)
	if !ok {
		t.Fatalf("client %d not found", id)
	}
	return c.Sockfd
}

func sendTexture(t *testing.T, s *Server, peerFD int) {
	t.Helper()
	data, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(data[1]) })

	ti := wire.TextureInfo{Width: 640, Height: 480, NFD: 1, Modifier: wire.DRMFormatModInvalid}
	buf, err := ti.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := unix.Sendmsg(peerFD, buf, unix.UnixRights(data[0]), nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}
}

func TestSourceTickSelectsAndKicksFirstClient(t *testing.T) {
	s := newTestServer()
	_, peer := newConnectedClient(t, s)

	imp := &fakeImporter{}
	src := NewSource(s, imp, nil, true)
	src.Tick()

	if src.clientID == 0 {
		t.Fatal("expected a client to be selected")
	}

	buf := make([]byte, 1)
	n, err := unix.Read(peer, buf)
	if err != nil || n != 1 {
		t.Fatalf("expected a kick byte on the client's socket, got n=%d err=%v", n, err)
	}
}

func TestSourceTickRebuildsOnBufIDAdvance(t *testing.T) {
	s := newTestServer()
	_, peer := newConnectedClient(t, s)

	imp := &fakeImporter{}
	src := NewSource(s, imp, nil, false)
	src.Tick() // selects client, no texture yet

	sendTexture(t, s, peer)
	s.drainClient(sockfdOf(t, s, src.clientID))

	src.Tick()

	if imp.imports != 1 {
		t.Fatalf("got %d imports, want 1", imp.imports)
	}
	if src.Texture() == nil {
		t.Fatal("expected a bound texture after buf_id advanced")
	}
}

func TestSourceTickDetachesWhenClientDisappears(t *testing.T) {
	s := newTestServer()
	id, _ := newConnectedClient(t, s)

	imp := &fakeImporter{}
	src := NewSource(s, imp, nil, false)
	src.Tick()
	if src.clientID == 0 {
		t.Fatal("expected a client to be selected")
	}

	s.cleanupClient(sockfdOf(t, s, id))
	src.Tick()

	if src.clientID != 0 {
		t.Fatal("expected source to detach after its client vanished")
	}
}

func TestSourceRebuildDestroysPreviousTexture(t *testing.T) {
	s := newTestServer()
	_, peer := newConnectedClient(t, s)

	imp := &fakeImporter{}
	src := NewSource(s, imp, nil, false)
	src.Tick()

	sendTexture(t, s, peer)
	s.drainClient(sockfdOf(t, s, src.clientID))
	src.Tick()

	sendTexture(t, s, peer)
	s.drainClient(sockfdOf(t, s, src.clientID))
	src.Tick()

	if imp.imports != 2 {
		t.Fatalf("got %d imports, want 2", imp.imports)
	}
	if imp.destroys != 1 {
		t.Fatalf("got %d destroys, want 1 (first texture replaced)", imp.destroys)
	}
}

func TestSourceImportFailureDoesNotRetryEveryTick(t *testing.T) {
	s := newTestServer()
	_, peer := newConnectedClient(t, s)

	imp := &fakeImporter{failNext: true}
	src := NewSource(s, imp, nil, false)
	src.Tick()

	sendTexture(t, s, peer)
	s.drainClient(sockfdOf(t, s, src.clientID))
	src.Tick()
	src.Tick()
	src.Tick()

	if imp.imports != 1 {
		t.Fatalf("got %d import attempts, want 1 (buf_id pinned after a failed import)", imp.imports)
	}
	if src.Texture() != nil {
		t.Fatal("expected no bound texture after a failed import")
	}
}
