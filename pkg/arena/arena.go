// Package arena provides reusable scratch-memory arenas for compilation
// units. Arenas are reset and returned to a pool instead of freed, which
// amortizes allocation cost across a whole run.
package arena

import "sync"

const defaultChunkSize = 64 * 1024

// Arena is a bump allocator over one or more chunks. It is not safe for
// concurrent use; each worker holds its own arena for the lifetime of one
// compilation unit.
type Arena struct {
	chunks    [][]byte
	current   []byte
	used      int
	chunkSize int
}

// NewArena creates an arena with the default chunk size.
func NewArena() *Arena {
	return NewArenaSize(defaultChunkSize)
}

// NewArenaSize creates an arena with the given chunk size.
func NewArenaSize(chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	a := &Arena{chunkSize: chunkSize}
	a.current = make([]byte, chunkSize)
	a.chunks = append(a.chunks, a.current)
	return a
}

// Alloc returns a zeroed byte slice of length n carved from the arena.
func (a *Arena) Alloc(n int) []byte {
	if n > a.chunkSize {
		// Oversized requests get a dedicated chunk.
		buf := make([]byte, n)
		a.chunks = append(a.chunks, buf)
		return buf
	}
	if a.used+n > len(a.current) {
		a.current = make([]byte, a.chunkSize)
		a.chunks = append(a.chunks, a.current)
		a.used = 0
	}
	buf := a.current[a.used : a.used+n : a.used+n]
	a.used += n
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// BytesAllocated returns the total capacity held by the arena.
func (a *Arena) BytesAllocated() int {
	total := 0
	for _, c := range a.chunks {
		total += len(c)
	}
	return total
}

// Reset makes the arena reusable. The first chunk is kept; extra chunks are
// released.
func (a *Arena) Reset() {
	a.current = a.chunks[0]
	a.chunks = a.chunks[:1]
	a.used = 0
}

// Pool hands out arenas to workers, one per compilation unit at a time. No
// arena is shared across threads at any instant.
type Pool struct {
	pool sync.Pool
}

// NewPool creates an arena pool.
func NewPool() *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() interface{} {
				return NewArena()
			},
		},
	}
}

// Get takes an arena from the pool.
func (p *Pool) Get() *Arena {
	return p.pool.Get().(*Arena)
}

// Put resets the arena and returns it to the pool.
func (p *Pool) Put(a *Arena) {
	a.Reset()
	p.pool.Put(a)
}
