package chunk

import "sync"

type poolKey struct {
	frames   int
	channels int
}

var pools = struct {
	sync.Mutex
	m map[poolKey]*Pool
}{
	m: map[poolKey]*Pool{},
}

// Pool recycles chunks of the same shape. Chunks returned by Get are
// zeroed and have all frames valid.
type Pool struct {
	frames   int
	channels int
	p        sync.Pool
}

// GetPool returns the shared pool for provided shape.
func GetPool(channels, frames int) *Pool {
	pools.Lock()
	defer pools.Unlock()
	k := poolKey{frames: frames, channels: channels}
	if p, ok := pools.m[k]; ok {
		return p
	}
	p := &Pool{frames: frames, channels: channels}
	p.p.New = func() any {
		return New(Format{Channels: channels}, frames)
	}
	pools.m[k] = p
	return p
}

// Get returns a zeroed chunk with provided rate.
func (p *Pool) Get(rate int) *Chunk {
	c := p.p.Get().(*Chunk)
	c.Clear()
	c.Rate = rate
	return c
}

// Put returns the chunk to the pool. Chunks of a different shape are
// ignored.
func (p *Pool) Put(c *Chunk) {
	if c == nil || c.Frames != p.frames || len(c.Samples) != p.channels {
		return
	}
	p.p.Put(c)
}

// Recycle returns the chunk to the pool of its shape.
func Recycle(c *Chunk) {
	if c == nil {
		return
	}
	GetPool(len(c.Samples), c.Frames).Put(c)
}
