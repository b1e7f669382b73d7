package broker

import (
	"vkcapture/internal/diag"
	"vkcapture/internal/wire"
)

// ImportedTexture is the GPU object built from a client's dma-buf fds.
type ImportedTexture struct {
	Image  uintptr // vk.Image, kept as uintptr so this package stays importer-agnostic
	Memory uintptr // vk.DeviceMemory
}

// TextureImporter builds and releases the GPU texture backing a selected
// client's shared buffer. Import must not close fds: Client.closeBufFDs
// remains the single owner of buf fd lifetime, closing them on the next
// supersession or client cleanup. VulkanImporter is the production
// implementation; tests supply a fake.
type TextureImporter interface {
	Import(ti wire.TextureInfo, fds [maxBufFDs]int) (*ImportedTexture, error)
	Destroy(*ImportedTexture)
}

// logOnlyImporter logs the texture metadata and reports a zero-value
// texture without touching the fds (Client.closeBufFDs still owns them), for
// hosts (like cmd/vkcapture-broker) that exercise
// the socket protocol without a GPU device to import into.
type logOnlyImporter struct{}

func (logOnlyImporter) Import(ti wire.TextureInfo, fds [maxBufFDs]int) (*ImportedTexture, error) {
	diag.Logf("broker", "texture %dx%d nfd=%d (no GPU importer configured, frame dropped)", ti.Width, ti.Height, ti.NFD)
	return &ImportedTexture{}, nil
}

func (logOnlyImporter) Destroy(*ImportedTexture) {}

// CursorOverlay renders the host cursor over the captured frame when
// show_cursor is enabled. Window-system specific; source.go only gates calls
// to it. Grounded on vkcapture_source_render's xcb-cursor branch.
type CursorOverlay interface {
	Update(windowID uint32) error
	Render()
	Close()
}

type noopCursorOverlay struct{}

func (noopCursorOverlay) Update(uint32) error { return nil }
func (noopCursorOverlay) Render()             {}
func (noopCursorOverlay) Close()              {}

// Source is the per-tick adapter: pick a connected client, rebuild its
// texture when buf_id advances, and kick an idle client into sending its
// first frame. Grounded on vkcapture_source_video_tick/_render.
type Source struct {
	srv      *Server
	importer TextureImporter
	cursor   CursorOverlay
	showCursor bool

	clientID int
	bufID    int
	texture  *ImportedTexture
	tdata    wire.TextureInfo
}

// NewSource builds a Source bound to srv. cursor may be nil, in which case
// cursor rendering is a no-op regardless of showCursor. importer may be nil,
// in which case textures are never actually imported onto a GPU (see
// logOnlyImporter).
func NewSource(srv *Server, importer TextureImporter, cursor CursorOverlay, showCursor bool) *Source {
	if cursor == nil {
		cursor = noopCursorOverlay{}
	}
	if importer == nil {
		importer = logOnlyImporter{}
	}
	return &Source{srv: srv, importer: importer, cursor: cursor, showCursor: showCursor}
}

// Tick runs one video-input tick: reselect if the bound client vanished,
// rebuild the texture if its buf_id advanced, otherwise pick and kick the
// first available client.
func (s *Source) Tick() {
	if s.clientID != 0 {
		c, ok := s.srv.Client(s.clientID)
		switch {
		case !ok:
			s.detach()
		case c.BufID != s.bufID:
			s.rebuild(c)
		}
	}

	if s.clientID == 0 {
		if c, ok := s.srv.FirstClient(); ok {
			s.clientID = c.ID
			s.srv.Kick(c.Sockfd)
		}
	}
}

func (s *Source) detach() {
	if s.texture != nil {
		s.importer.Destroy(s.texture)
		s.texture = nil
	}
	s.clientID = 0
	s.bufID = 0
	s.tdata = wire.TextureInfo{}
}

func (s *Source) rebuild(c Client) {
	if s.texture != nil {
		s.importer.Destroy(s.texture)
		s.texture = nil
	}
	tex, err := s.importer.Import(c.Texture, c.BufFDs)
	if err != nil {
		diag.Logf("broker", "import dma-buf from client %d: %v", c.ID, err)
		s.bufID = c.BufID // don't retry every tick on a persistently bad frame
		s.tdata = c.Texture
		return
	}
	s.texture = tex
	s.bufID = c.BufID
	s.tdata = c.Texture
	if s.showCursor {
		if err := s.cursor.Update(c.Texture.WindowID); err != nil {
			diag.Logf("broker", "cursor update: %v", err)
		}
	}
}

// Texture returns the currently bound texture, nil if no client is selected
// or the last import attempt failed.
func (s *Source) Texture() *ImportedTexture { return s.texture }

// Flip reports whether the bound frame should be presented vertically
// flipped, per the producer's TextureInfo.Flip.
func (s *Source) Flip() bool { return s.tdata.Flip }

// Render is called once per video frame by the embedding host after it has
// drawn Texture(); Source only gates the optional cursor overlay render.
func (s *Source) Render() {
	if s.texture == nil || !s.showCursor {
		return
	}
	s.cursor.Render()
}

// Close releases the bound texture and cursor overlay.
func (s *Source) Close() {
	s.detach()
	s.cursor.Close()
}
