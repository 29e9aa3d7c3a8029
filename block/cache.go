package block

import (
	"fmt"
	"sync"
)

// Buffer is a single cached disk block. It is returned pinned (refcount
// incremented) by Cache.Get and must be released with Cache.Put.
type Buffer struct {
	Number uint32
	Data   []byte
	Dirty  bool

	refs int
	prev *Buffer
	next *Buffer
}

// Cache is a fixed-size LRU pool of Buffers backed by a Device, the way the
// host buffer cache backs every block the core touches. Unlike the
// channel-actor cache this is modeled on, Cache is a plain mutex-guarded
// structure: the core's locking discipline (spec §5) assumes synchronous,
// lock-based collaborators, not an asynchronous request/response loop.
type Cache struct {
	mu        sync.Mutex
	dev       Device
	blockSize int

	bufs     map[uint32]*Buffer
	front    *Buffer // least recently used
	rear     *Buffer // most recently used
	capacity int
}

// NewCache creates a cache of the given capacity (in blocks) over dev, whose
// blocks are blockSize bytes each.
func NewCache(dev Device, blockSize, capacity int) *Cache {
	return &Cache{
		dev:       dev,
		blockSize: blockSize,
		bufs:      make(map[uint32]*Buffer, capacity),
		capacity:  capacity,
	}
}

func (c *Cache) BlockSize() int { return c.blockSize }

// Get returns the buffer for block number, pinned. If the block is not
// resident it is read from the device first.
func (c *Cache) Get(number uint32) (*Buffer, error) {
	c.mu.Lock()
	if b, ok := c.bufs[number]; ok {
		c.unlink(b)
		b.refs++
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	data := make([]byte, c.blockSize)
	if err := c.dev.ReadAt(data, int64(number)*int64(c.blockSize)); err != nil {
		return nil, fmt.Errorf("cache: reading block %d: %w", number, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have loaded it while we read from disk.
	if b, ok := c.bufs[number]; ok {
		c.unlink(b)
		b.refs++
		return b, nil
	}

	b := &Buffer{Number: number, Data: data, refs: 1}
	c.bufs[number] = b
	if len(c.bufs) > c.capacity {
		c.evictLocked()
	}
	return b, nil
}

// GetZeroed returns a pinned buffer for number without reading it from the
// device, used when the caller is about to overwrite the entire block (a
// freshly allocated data block or a newly extended directory chunk).
func (c *Cache) GetZeroed(number uint32) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bufs[number]; ok {
		c.unlink(b)
		b.refs++
		return b
	}
	b := &Buffer{Number: number, Data: make([]byte, c.blockSize), refs: 1}
	c.bufs[number] = b
	if len(c.bufs) > c.capacity {
		c.evictLocked()
	}
	return b
}

// Put releases a reference obtained from Get/GetZeroed. Dirty buffers are
// written back once their refcount reaches zero and they leave the cache;
// callers that need synchronous durability should call Sync explicitly.
func (c *Cache) Put(b *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.refs--
	if b.refs < 0 {
		panic("block: over-released buffer")
	}
	c.pushBack(b)
}

// MarkDirty flags b for write-back.
func (c *Cache) MarkDirty(b *Buffer) {
	c.mu.Lock()
	b.Dirty = true
	c.mu.Unlock()
}

// Sync writes back every dirty buffer currently resident in the cache.
func (c *Cache) Sync() error {
	c.mu.Lock()
	dirty := make([]*Buffer, 0)
	for _, b := range c.bufs {
		if b.Dirty {
			dirty = append(dirty, b)
		}
	}
	c.mu.Unlock()

	for _, b := range dirty {
		if err := c.writeBack(b); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops number from the cache without writing it back,
// regardless of dirty state. Used when a block is freed and its former
// contents must never be observed again.
func (c *Cache) Invalidate(number uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bufs[number]
	if !ok {
		return
	}
	c.unlink(b)
	delete(c.bufs, number)
}

func (c *Cache) writeBack(b *Buffer) error {
	if err := c.dev.WriteAt(b.Data, int64(b.Number)*int64(c.blockSize)); err != nil {
		return fmt.Errorf("cache: writing back block %d: %w", b.Number, err)
	}
	c.mu.Lock()
	b.Dirty = false
	c.mu.Unlock()
	return nil
}

// evictLocked drops the least-recently-used unreferenced buffer, flushing it
// first if dirty. Called with c.mu held.
func (c *Cache) evictLocked() {
	for b := c.front; b != nil; b = b.next {
		if b.refs != 0 {
			continue
		}
		if b.Dirty {
			// Flush synchronously; a background writer is out of scope
			// for this lite variant.
			c.mu.Unlock()
			_ = c.writeBack(b)
			c.mu.Lock()
		}
		c.unlink(b)
		delete(c.bufs, b.Number)
		return
	}
	// Every buffer pinned: let the pool exceed capacity rather than fail.
}

func (c *Cache) unlink(b *Buffer) {
	if b.prev != nil {
		b.prev.next = b.next
	} else if c.front == b {
		c.front = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else if c.rear == b {
		c.rear = b.prev
	}
	b.prev, b.next = nil, nil
}

func (c *Cache) pushBack(b *Buffer) {
	c.unlink(b)
	b.prev = c.rear
	if c.rear != nil {
		c.rear.next = b
	} else {
		c.front = b
	}
	c.rear = b
}
