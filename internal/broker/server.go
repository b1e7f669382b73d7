// Package broker implements the consumer side of the capture protocol: a
// UNIX-socket server that accepts connections from instrumented producers,
// tracks their metadata and current dma-buf-backed frame, and a source
// adapter that selects one producer to present. Grounded on
// original_source/src/vkcapture.c's server_thread_run/server_cleanup_client,
// structured the way this codebase's other long-lived service loop
// (internal/server.Server in the teacher) shapes Config/New/ListenAndServe/Teardown.
package broker

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"vkcapture/internal/diag"
	"vkcapture/internal/wire"
)

// pollTimeoutMillis bounds how long ListenAndServe's loop blocks in a single
// poll() call before re-checking for shutdown.
const pollTimeoutMillis = 1000

// Server owns the rendezvous socket and every connected Client. One Server
// backs one video-input source instance.
type Server struct {
	cfg   Config
	runID string

	mu        sync.Mutex
	clients   map[int]*Client // keyed by sockfd
	nextID    int
	nextBufID int
	listenFD  int

	quit chan struct{}
	done chan struct{}
}

// New builds a Server from cfg. It does not touch the filesystem or network
// until ListenAndServe is called.
func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		runID:    uuid.New().String(),
		clients:  make(map[int]*Client),
		listenFD: -1,
	}
}

// ListenAndServe binds the rendezvous socket and runs the accept/poll loop
// until Teardown is called. It blocks; run it in its own goroutine.
func (s *Server) ListenAndServe() error {
	path := s.cfg.socketPath()
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("broker: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("broker: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("broker: listen: %w", err)
	}
	diag.Logf("broker", "listening on %s (run %s)", path, s.runID)

	s.mu.Lock()
	s.listenFD = fd
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.serve(fd)
	return nil
}

// Teardown stops the serve loop and blocks until it has finished draining
// and closing every client and the listening socket.
func (s *Server) Teardown() {
	s.mu.Lock()
	quit, done := s.quit, s.done
	s.mu.Unlock()
	if quit == nil {
		return
	}
	select {
	case <-quit:
	default:
		close(quit)
	}
	if done != nil {
		<-done
	}
}

func (s *Server) serve(listenFD int) {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.shutdown(listenFD)
			return
		default:
		}

		pfds := s.buildPollFDs(listenFD)
		n, err := unix.Poll(pfds, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			diag.Logf("broker", "poll: %v", err)
			continue
		}
		if n <= 0 {
			continue
		}

		for _, pfd := range pfds {
			if pfd.Revents == 0 {
				continue
			}
			if int(pfd.Fd) == listenFD {
				s.acceptOne(listenFD)
				continue
			}
			s.drainClient(int(pfd.Fd))
		}
	}
}

func (s *Server) buildPollFDs(listenFD int) []unix.PollFd {
	s.mu.Lock()
	defer s.mu.Unlock()
	pfds := make([]unix.PollFd, 0, len(s.clients)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(listenFD), Events: unix.POLLIN})
	for fd := range s.clients {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return pfds
}

func (s *Server) acceptOne(listenFD int) {
	fd, _, err := unix.Accept4(listenFD, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.ECONNABORTED {
			diag.Logf("broker", "accept: %v", err)
		}
		return
	}
	s.mu.Lock()
	s.nextID++
	c := newClient(s.nextID, fd)
	s.clients[fd] = c
	s.mu.Unlock()
	diag.Logf("broker", "client %d connected", c.ID)
}

// recvOutcome tells drainClient whether to keep reading from a client's
// socket, stop for this wake, or clean the client up entirely.
type recvOutcome int

const (
	outcomeAgain           recvOutcome = iota // recvmsg would block
	outcomeClientInfoDone                     // one ClientInfo handled; stop for this wake
	outcomeTextureInfoDone                    // one TextureInfo handled; keep draining
	outcomeCleanup                            // protocol violation, EOF, or error
)

// drainClient reads messages from fd until it would block or a ClientInfo
// message completes, matching server_thread_run's per-client loop: a
// ClientInfo always ends the wake, a TextureInfo keeps draining.
func (s *Server) drainClient(fd int) {
	for {
		switch s.recvOne(fd) {
		case outcomeAgain, outcomeClientInfoDone:
			return
		case outcomeCleanup:
			s.cleanupClient(fd)
			return
		case outcomeTextureInfoDone:
			continue
		}
	}
}

// maxMsgSize is large enough to hold either message this protocol sends;
// ClientInfo (wire.go) is the bigger of the two.
var maxMsgSize = max(wire.ClientInfo{}.Size(), wire.TextureInfo{}.Size())

func (s *Server) recvOne(fd int) recvOutcome {
	buf := make([]byte, maxMsgSize)
	oob := make([]byte, unix.CmsgSpace(4*maxBufFDs))

	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return outcomeAgain
		}
		if err != unix.ECONNRESET {
			diag.Logf("broker", "recvmsg fd %d: %v", fd, err)
		}
		return outcomeCleanup
	}
	if n <= 0 {
		return outcomeCleanup // peer closed
	}
	buf = buf[:n]

	disc, err := wire.Discriminant(buf)
	if err != nil {
		return outcomeCleanup
	}

	switch disc {
	case wire.DiscriminantClientInfo:
		var ci wire.ClientInfo
		if err := ci.UnmarshalBinary(buf); err != nil {
			diag.Logf("broker", "bad ClientInfo from fd %d: %v", fd, err)
			return outcomeCleanup
		}
		s.mu.Lock()
		if c, ok := s.clients[fd]; ok {
			c.Info = ci
		}
		s.mu.Unlock()
		return outcomeClientInfoDone

	case wire.DiscriminantTextureInfo:
		var ti wire.TextureInfo
		if err := ti.UnmarshalBinary(buf); err != nil {
			diag.Logf("broker", "bad TextureInfo from fd %d: %v", fd, err)
			return outcomeCleanup
		}
		fds, ok := parseUnixRights(oob[:oobn])
		if !ok || len(fds) != int(ti.NFD) {
			closeAll(fds)
			diag.Logf("broker", "fd %d: nfd mismatch (want %d, got %d)", fd, ti.NFD, len(fds))
			return outcomeCleanup
		}

		s.mu.Lock()
		c, ok := s.clients[fd]
		if ok {
			c.closeBufFDs()
			for i, rfd := range fds {
				c.BufFDs[i] = rfd
			}
			c.Texture = ti
			s.nextBufID++
			c.BufID = s.nextBufID
		}
		s.mu.Unlock()
		if !ok {
			closeAll(fds)
			return outcomeCleanup
		}
		return outcomeTextureInfoDone

	default:
		diag.Logf("broker", "fd %d: unknown discriminant %d", fd, disc)
		return outcomeCleanup
	}
}

// parseUnixRights extracts the fds carried in an SCM_RIGHTS control message,
// rejecting anything else on the cmsg chain.
func parseUnixRights(oob []byte) ([]int, bool) {
	if len(oob) == 0 {
		return nil, true // TextureInfo with zero attached rights is a caller error, surfaced via nfd mismatch
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, false
	}
	var fds []int
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			return fds, false
		}
		rights, err := unix.ParseUnixRights(&m)
		if err != nil {
			return fds, false
		}
		fds = append(fds, rights...)
	}
	return fds, true
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func (s *Server) cleanupClient(fd int) {
	s.mu.Lock()
	c, ok := s.clients[fd]
	if ok {
		delete(s.clients, fd)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	c.closeBufFDs()
	unix.Close(fd)
	diag.Logf("broker", "client %d disconnected", c.ID)
}

func (s *Server) shutdown(listenFD int) {
	s.mu.Lock()
	fds := make([]int, 0, len(s.clients))
	for fd := range s.clients {
		fds = append(fds, fd)
	}
	s.mu.Unlock()
	for _, fd := range fds {
		s.cleanupClient(fd)
	}
	unix.Close(listenFD)
	_ = os.Remove(s.cfg.socketPath())
}

// Client returns a snapshot of the client with the given id.
func (s *Server) Client(id int) (Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.ID == id {
			return *c, true
		}
	}
	return Client{}, false
}

// FirstClient returns a snapshot of the lowest-id connected client, the
// source adapter's reselection candidate per vkcapture_source_video_tick.
func (s *Server) FirstClient() (Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first *Client
	for _, c := range s.clients {
		if first == nil || c.ID < first.ID {
			first = c
		}
	}
	if first == nil {
		return Client{}, false
	}
	return *first, true
}

// Kick writes a single byte to fd to signal the producer that it has been
// selected. The byte value carries no meaning; only the write itself
// matters. The producer in internal/vklayer consumes the byte in its
// liveness probe (probeAlive) and does not wait for it before sending its
// first frame.
func (s *Server) Kick(fd int) {
	if _, err := unix.Write(fd, []byte{1}); err != nil {
		diag.Logf("broker", "kick fd %d: %v", fd, err)
	}
}
