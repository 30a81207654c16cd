package memory

import (
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"golang.org/x/sys/unix"
)

// Coremap accounts for physical frames. A limit of 0 never runs out.
type Coremap struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewCoremap creates a coremap with room for limit frames
func NewCoremap(limit int) *Coremap {
	return &Coremap{limit: limit}
}

// Alloc reserves n frames, all or nothing
func (c *Coremap) Alloc(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit > 0 && c.used+n > c.limit {
		return errors.New(errors.ResourceExhausted, unix.ENOMEM,
			"out of frames: %d in use, %d requested, limit %d", c.used, n, c.limit)
	}
	c.used += n
	return nil
}

// Free returns n frames
func (c *Coremap) Free(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.used {
		errors.Panic("coremap: freeing %d frames with %d in use", n, c.used)
	}
	c.used -= n
}

// Used returns the number of frames allocated
func (c *Coremap) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Limit returns the frame budget
func (c *Coremap) Limit() int {
	return c.limit
}
