// Package block provides the host-side collaborators the ext2lite core
// assumes it runs inside: a numbered-block I/O device and a cached buffer
// pool with dirty tracking and write-back. The core (package ext2fs) never
// touches an *os.File directly; it only ever asks a Device or a Cache for a
// block.
package block

import (
	"fmt"
	"os"
	"sync"
)

// Device is the minimal random-access block store the core requires. It is
// deliberately narrow: byte-range reads and writes plus a durability
// barrier, mirroring the diskBackend seam used to decouple filesystem
// logic from the underlying storage medium.
type Device interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	Sync() error
	// Size returns the total addressable size of the device in bytes.
	Size() (int64, error)
}

// FileDevice implements Device over a regular file, which is how ext2lite
// images are normally hosted (a flat file standing in for a block device).
type FileDevice struct {
	f *os.File
}

// OpenFileDevice opens path as a block device. When writable is false the
// file is opened read-only and WriteAt always fails.
func OpenFileDevice(path string, writable bool) (*FileDevice, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening device %q: %w", path, err)
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) error {
	_, err := d.f.ReadAt(p, off)
	if err != nil {
		return fmt.Errorf("device read at %d: %w", off, err)
	}
	return nil
}

func (d *FileDevice) WriteAt(p []byte, off int64) error {
	_, err := d.f.WriteAt(p, off)
	if err != nil {
		return fmt.Errorf("device write at %d: %w", off, err)
	}
	return nil
}

func (d *FileDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("device sync: %w", err)
	}
	return nil
}

func (d *FileDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("device stat: %w", err)
	}
	return fi.Size(), nil
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}

// MemDevice is an in-memory Device, used by tests to build synthetic
// filesystem images without touching the filesystem the test runs on.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
}

func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

func (d *MemDevice) ReadAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return fmt.Errorf("mem device read out of range: off=%d len=%d size=%d", off, len(p), len(d.data))
	}
	copy(p, d.data[off:off+int64(len(p))])
	return nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return fmt.Errorf("mem device write out of range: off=%d len=%d size=%d", off, len(p), len(d.data))
	}
	copy(d.data[off:off+int64(len(p))], p)
	return nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.data)), nil
}
