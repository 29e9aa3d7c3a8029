package ext2fs

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"ext2lite/block"
)

// InodeKind is the sum type of spec §9: the per-inode-type variant. It is
// not stored on the inode; Kind derives it from the mode word and block
// count each time it is called.
type InodeKind int

const (
	KindRegular InodeKind = iota
	KindDirectory
	KindFastSymlink
	KindSlowSymlink
	KindSpecial
)

const (
	inodeStateNew = 1 << iota
)

// Inode is the in-memory inode carrier of spec §3.2: the decoded on-disk
// inode plus VFS-adjacent bookkeeping (refcount, dirty flag, iversion,
// block group).
type Inode struct {
	fs  *FileSystem
	ino uint32

	mu    sync.Mutex
	raw   rawInode
	dirty bool
	state int

	blockGroup uint32
	refs       int
	version    uint64 // iversion, bumped by every directory-chunk commit
}

func (fs *FileSystem) newInMemoryInode(ino, group uint32) *Inode {
	return &Inode{fs: fs, ino: ino, blockGroup: group, refs: 1}
}

// Ino returns the inode number.
func (ip *Inode) Ino() uint32 { return ip.ino }

// Mode returns the raw on-disk mode word.
func (ip *Inode) Mode() uint16 { return ip.raw.Mode }

// Size returns the file size in bytes.
func (ip *Inode) Size() uint32 { return ip.raw.Size }

// LinksCount returns the hard-link count.
func (ip *Inode) LinksCount() uint16 { return ip.raw.LinksCount }

// Kind reports which sum-type variant this inode belongs to, derived from
// the current mode word and block count on every call; the result is not
// cached at load or allocation time.
func (ip *Inode) Kind() InodeKind {
	m := ip.raw.Mode
	switch {
	case isDir(m):
		return KindDirectory
	case isRegular(m):
		return KindRegular
	case isSymlink(m):
		if ip.raw.Blocks == 0 {
			return KindFastSymlink
		}
		return KindSlowSymlink
	default:
		return KindSpecial
	}
}
func (ip *Inode) IsDirectory() bool { return ip.Kind() == KindDirectory }
func (ip *Inode) IsRegular() bool   { return ip.Kind() == KindRegular }

// currentOwner returns the process's real uid/gid, honoring the hosting
// OS's identity the way spec §4.4 says ("current uid/gid") rather than a
// hardcoded value.
func currentOwner() (uint16, uint16) {
	return uint16(os.Getuid()), uint16(os.Getgid())
}

// Iget materializes the in-memory inode for ino, interning by number (spec
// §3.2/§4.5). Concurrent first-touch loads of the same inode number are
// collapsed into a single disk read via singleflight.
func (fs *FileSystem) Iget(ino uint32) (*Inode, error) {
	fs.icacheMu.Lock()
	if ip, ok := fs.icache[ino]; ok {
		ip.refs++
		fs.icacheMu.Unlock()
		return ip, nil
	}
	fs.icacheMu.Unlock()

	v, err, _ := fs.iflight.Do(fmt.Sprintf("%d", ino), func() (interface{}, error) {
		fs.icacheMu.Lock()
		if ip, ok := fs.icache[ino]; ok {
			ip.refs++
			fs.icacheMu.Unlock()
			return ip, nil
		}
		fs.icacheMu.Unlock()

		ip, err := fs.loadInode(ino)
		if err != nil {
			return nil, err
		}
		fs.icacheMu.Lock()
		if existing, ok := fs.icache[ino]; ok {
			existing.refs++
			fs.icacheMu.Unlock()
			return existing, nil
		}
		fs.icache[ino] = ip
		fs.icacheMu.Unlock()
		return ip, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Inode), nil
}

// loadInode reads inode ino from the on-disk inode table.
//
// Open Question resolution (spec §9): the original driver reads i_dtime
// before the containing struct pointer is assigned, an apparent ordering
// bug. Here every field is decoded into a local rawInode first and the
// Inode struct is only populated once decoding has fully succeeded.
func (fs *FileSystem) loadInode(ino uint32) (*Inode, error) {
	if ino == 0 || ino > fs.sb.raw.InodesCount {
		return nil, fs.corrupt("loadInode", "inode number %d out of range", ino)
	}
	group := (ino - 1) / fs.sb.raw.InodesPerGroup
	gr, err := fs.getGroupDesc(group)
	if err != nil {
		return nil, err
	}
	indexInGroup := (ino - 1) % fs.sb.raw.InodesPerGroup
	byteOffset := indexInGroup * fs.sb.InodeSize
	blockInTable := byteOffset / fs.sb.BlockSize
	offsetInBlock := byteOffset % fs.sb.BlockSize

	buf, err := fs.cache.Get(gr.desc.InodeTable + blockInTable)
	if err != nil {
		return nil, ioError("loadInode", err)
	}
	defer fs.cache.Put(buf)

	raw := decodeInode(buf.Data[offsetInBlock : offsetInBlock+fs.sb.InodeSize])

	ip := fs.newInMemoryInode(ino, group)
	ip.raw = raw
	return ip, nil
}

// Get adds a reference to an already-resolved inode (ihold).
func (ip *Inode) Get() {
	ip.fs.icacheMu.Lock()
	ip.refs++
	ip.fs.icacheMu.Unlock()
}

// Put drops a reference; when it reaches zero the inode is evicted.
func (ip *Inode) Put() error {
	ip.fs.icacheMu.Lock()
	ip.refs--
	drop := ip.refs <= 0
	if drop {
		delete(ip.fs.icache, ip.ino)
	}
	ip.fs.icacheMu.Unlock()
	if !drop {
		return nil
	}
	return ip.fs.evict(ip)
}

// GetBlocks implements spec §4.5's get_blocks: iblock >= NDirBlocks fails
// with ErrUnsupported (no indirect blocks); an already-mapped slot returns
// (its block number, false, nil); an unmapped slot with create=false
// returns (0, false, nil); otherwise a block is allocated, stored, and its
// number returned with allocated=true.
func (ip *Inode) GetBlocks(iblock int, create bool) (bno uint32, allocated bool, err error) {
	if iblock < 0 || iblock >= NDirBlocks {
		return 0, false, fmt.Errorf("%w: logical block %d beyond direct-block range", ErrUnsupported, iblock)
	}

	ip.mu.Lock()
	defer ip.mu.Unlock()

	if ip.raw.Block[iblock] != 0 {
		return ip.raw.Block[iblock], false, nil
	}
	if !create {
		return 0, false, nil
	}

	first, count, err := ip.fs.NewBlocks(ip, 1)
	if err != nil {
		return 0, false, err
	}
	_ = count // NewBlocks(ip, 1) always allocates exactly one block on success

	ip.raw.Block[iblock] = first
	ip.raw.Blocks += ip.fs.sb.BlockSize / sectorSize
	ip.dirty = true
	return first, true, nil
}

// GetBlock is the host page-cache callback of spec §4.5: it resolves the
// device block backing logical block iblock and reports whether it was
// freshly allocated.
func (ip *Inode) GetBlock(iblock int, create bool) (dev uint32, isNew bool, err error) {
	return ip.GetBlocks(iblock, create)
}

// ReadAt reads len(p) bytes at file offset off, treating unmapped blocks
// and reads past EOF as zeros/short reads the way a sparse ext2-lite file
// would (spec §8: "reads of unwritten bytes within the file return
// zeros").
func (ip *Inode) ReadAt(p []byte, off int64) (int, error) {
	ip.mu.Lock()
	size := int64(ip.raw.Size)
	ip.mu.Unlock()
	if off >= size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
	}

	bs := int64(ip.fs.sb.BlockSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		iblock := int(pos / bs)
		inBlock := int(pos % bs)
		bno, _, err := ip.GetBlocks(iblock, false)
		if err != nil {
			return n, err
		}
		want := len(p) - n
		if want > int(bs)-inBlock {
			want = int(bs) - inBlock
		}
		if bno == 0 {
			for i := 0; i < want; i++ {
				p[n+i] = 0
			}
		} else {
			buf, err := ip.fs.cache.Get(bno)
			if err != nil {
				return n, ioError("ReadAt", err)
			}
			copy(p[n:n+want], buf.Data[inBlock:inBlock+want])
			ip.fs.cache.Put(buf)
		}
		n += want
	}
	return n, nil
}

// WriteAt writes len(p) bytes at file offset off, allocating blocks as
// needed and extending the inode's recorded size. Offsets beyond
// NDirBlocks*BlockSize are rejected (spec: max file size).
func (ip *Inode) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(ip.fs.sb.MaxFileSize) {
		return 0, fmt.Errorf("%w: write would exceed max file size", ErrUnsupported)
	}
	bs := int64(ip.fs.sb.BlockSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		iblock := int(pos / bs)
		inBlock := int(pos % bs)
		bno, _, err := ip.GetBlocks(iblock, true)
		if err != nil {
			return n, err
		}
		want := len(p) - n
		if want > int(bs)-inBlock {
			want = int(bs) - inBlock
		}
		buf, err := ip.fs.cache.Get(bno)
		if err != nil {
			return n, ioError("WriteAt", err)
		}
		copy(buf.Data[inBlock:inBlock+want], p[n:n+want])
		ip.fs.cache.MarkDirty(buf)
		ip.fs.cache.Put(buf)
		n += want
	}

	ip.mu.Lock()
	if off+int64(n) > int64(ip.raw.Size) {
		ip.raw.Size = uint32(off + int64(n))
	}
	now := uint32(time.Now().Unix())
	ip.raw.Mtime, ip.raw.Ctime = now, now
	ip.dirty = true
	ip.mu.Unlock()

	return n, nil
}

// WriteInode implements spec §4.5's write_inode: re-encode into the
// on-disk inode table slot, zeroing the slot first if the inode is NEW.
func (fs *FileSystem) writeInode(ip *Inode, syncNow bool) error {
	group := (ip.ino - 1) / fs.sb.raw.InodesPerGroup
	gr, err := fs.getGroupDesc(group)
	if err != nil {
		return err
	}
	indexInGroup := (ip.ino - 1) % fs.sb.raw.InodesPerGroup
	byteOffset := indexInGroup * fs.sb.InodeSize
	blockInTable := byteOffset / fs.sb.BlockSize
	offsetInBlock := byteOffset % fs.sb.BlockSize

	buf, err := fs.cache.Get(gr.desc.InodeTable + blockInTable)
	if err != nil {
		return ioError("writeInode", err)
	}
	defer fs.cache.Put(buf)

	ip.mu.Lock()
	slot := buf.Data[offsetInBlock : offsetInBlock+fs.sb.InodeSize]
	if ip.state&inodeStateNew != 0 {
		for i := range slot {
			slot[i] = 0
		}
		ip.state &^= inodeStateNew
	}
	if isSpecial(ip.raw.Mode) {
		encodeSpecialInode(&ip.raw)
	}
	ip.raw.encodeInto(slot)
	ip.dirty = false
	ip.mu.Unlock()

	fs.cache.MarkDirty(buf)
	if syncNow {
		if err := fs.cache.Sync(); err != nil {
			return ioError("writeInode", err)
		}
	}
	return nil
}

// WriteInode is the exported form used by namespace operations and by
// callers that hold a reference outside the package.
func (ip *Inode) WriteInode(syncNow bool) error {
	if !ip.dirty && ip.state&inodeStateNew == 0 {
		return nil
	}
	return ip.fs.writeInode(ip, syncNow)
}

// encodeSpecialInode prepares a special inode's block array for write-back
// by clearing i_block[2]; the old (i_block[0]) or new (i_block[1]) device
// encoding is chosen earlier, by SetDevice.
func encodeSpecialInode(raw *rawInode) {
	// The device number itself is written by Mknod via SetDevice; this
	// hook only guarantees i_block[2] is cleared, since it is never a
	// meaningful indirect slot for a special file.
	raw.Block[2] = 0
}

// SetDevice stores dev into the inode's device-number slot, using the old
// encoding (i_block[0]) unless the major/minor pair needs the new
// encoding's wider fields (i_block[1]), selected by the high bits of dev
// per spec §4.7.
func (ip *Inode) SetDevice(dev uint32) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if dev&0xffff0000 == 0 {
		ip.raw.Block[0] = dev
		ip.raw.Block[1] = 0
	} else {
		ip.raw.Block[0] = 0
		ip.raw.Block[1] = dev
	}
	ip.dirty = true
}

// Device returns the device number of a special inode, reading whichever
// of the old/new encodings is populated.
func (ip *Inode) Device() uint32 {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if ip.raw.Block[0] != 0 {
		return ip.raw.Block[0]
	}
	return ip.raw.Block[1]
}

// evict implements spec §4.5's evict: on links_count==0, stamp dtime,
// write back, truncate to zero (FreeBlocks drops the freed blocks from the
// cache), and free the inode bitmap bit. With a non-zero link count only a
// dirty inode is written back; its data buffers stay in the shared cache.
func (fs *FileSystem) evict(ip *Inode) error {
	wasDir := ip.IsDirectory()
	if ip.raw.LinksCount == 0 {
		ip.mu.Lock()
		ip.raw.Dtime = uint32(time.Now().Unix())
		ip.dirty = true
		ip.mu.Unlock()

		if err := ip.WriteInode(true); err != nil {
			return err
		}
		if err := ip.TruncateBlocks(0); err != nil {
			return err
		}
		if err := fs.FreeInode(ip.ino, wasDir); err != nil {
			return err
		}
	} else if ip.dirty {
		if err := ip.WriteInode(false); err != nil {
			return err
		}
	}
	return nil
}

// TruncateBlocks implements spec §4.5's truncate_blocks: direct slots at
// or above ceil(newSize/blockSize) are freed, coalescing contiguous runs
// into single FreeBlocks calls. Applies only to regular files, directories,
// and non-fast symlinks.
func (ip *Inode) TruncateBlocks(newSize uint32) error {
	k := ip.Kind()
	if k == KindSpecial || k == KindFastSymlink {
		return nil
	}

	ip.mu.Lock()
	keep := (newSize + ip.fs.sb.BlockSize - 1) / ip.fs.sb.BlockSize
	blocks := ip.raw.Block
	ip.mu.Unlock()

	runStart := uint32(0)
	runLen := 0
	flush := func() error {
		if runLen == 0 {
			return nil
		}
		err := ip.fs.FreeBlocks(ip, runStart, runLen)
		runLen = 0
		return err
	}

	for i := uint32(keep); i < NDirBlocks; i++ {
		b := blocks[i]
		ip.mu.Lock()
		ip.raw.Block[i] = 0
		ip.mu.Unlock()
		if b == 0 {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if runLen > 0 && b == runStart+uint32(runLen) {
			runLen++
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		runStart, runLen = b, 1
	}
	if err := flush(); err != nil {
		return err
	}

	ip.mu.Lock()
	ip.raw.Size = newSize
	ip.dirty = true
	ip.mu.Unlock()
	return nil
}

// Setattr applies a size change, per spec §4.5, by truncating.
func (ip *Inode) Setattr(newSize uint32) error {
	return ip.TruncateBlocks(newSize)
}

// bumpVersion increments the directory's iversion token (spec §4.6,
// §9: "iversion").
func (ip *Inode) bumpVersion() {
	ip.mu.Lock()
	ip.version++
	ip.mu.Unlock()
}

// Version returns the current iversion token.
func (ip *Inode) Version() uint64 {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.version
}

// touchTimes stamps mtime/ctime to now and marks the inode dirty; used by
// directory mutations that must bump the parent's times (spec §4.6).
func (ip *Inode) touchTimes() {
	ip.mu.Lock()
	now := uint32(time.Now().Unix())
	ip.raw.Mtime, ip.raw.Ctime = now, now
	ip.dirty = true
	ip.mu.Unlock()
}

func (ip *Inode) touchCtime() {
	ip.mu.Lock()
	ip.raw.Ctime = uint32(time.Now().Unix())
	ip.dirty = true
	ip.mu.Unlock()
}


// blockBuffer is a thin accessor used by the directory engine to get at a
// raw cache buffer for a given inode logical block, allocating it if
// necessary.
func (ip *Inode) blockBuffer(iblock int, create bool) (*block.Buffer, bool, error) {
	bno, isNew, err := ip.GetBlocks(iblock, create)
	if err != nil {
		return nil, false, err
	}
	if bno == 0 {
		return nil, false, nil
	}
	if isNew {
		buf := ip.fs.cache.GetZeroed(bno)
		return buf, true, nil
	}
	buf, err := ip.fs.cache.Get(bno)
	if err != nil {
		return nil, false, ioError("blockBuffer", err)
	}
	return buf, false, nil
}
