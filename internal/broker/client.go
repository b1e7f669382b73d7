package broker

import (
	"golang.org/x/sys/unix"

	"vkcapture/internal/wire"
)

// maxBufFDs bounds TextureInfo.NFD (1..4 planes).
const maxBufFDs = 4

// Client is one connected producer: its last-received metadata plus the
// dma-buf fds backing its current frame. Grounded on vkcapture_client_t from
// original_source/src/vkcapture.c.
type Client struct {
	ID      int
	Sockfd  int
	Info    wire.ClientInfo
	Texture wire.TextureInfo
	BufFDs  [maxBufFDs]int
	BufID   int // monotonically increasing per successful TextureInfo
}

func newClient(id, sockfd int) *Client {
	c := &Client{ID: id, Sockfd: sockfd}
	for i := range c.BufFDs {
		c.BufFDs[i] = -1
	}
	return c
}

// closeBufFDs closes and clears any fds currently owned by the client,
// mirroring server_cleanup_client's fd-closing-under-mutex pattern.
func (c *Client) closeBufFDs() {
	for i, fd := range c.BufFDs {
		if fd >= 0 {
			unix.Close(fd)
			c.BufFDs[i] = -1
		}
	}
}
