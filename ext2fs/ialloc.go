package ext2fs

import (
	"fmt"
	"time"
)

// NewInode implements spec §4.4's inode allocator: placement tries the
// parent's group, then a quadratic probe, then a linear scan accepting any
// group with a free inode regardless of block availability.
func (fs *FileSystem) NewInode(parent *Inode, mode uint16) (*Inode, error) {
	if fs.readOnly {
		return nil, fmt.Errorf("%w: filesystem is read-only", ErrInvalid)
	}

	g, err := fs.pickInodeGroup(parent)
	if err != nil {
		return nil, err
	}

	ino, err := fs.allocInodeInGroup(g)
	if err != nil {
		return nil, err
	}

	fs.freeInodes.Add(-1)
	directory := isDir(mode)
	if directory {
		fs.dirsCount.Add(1)
	}
	gr := fs.groups[g]
	gr.mu.Lock()
	gr.desc.FreeInodesCount--
	if directory {
		gr.desc.UsedDirsCount++
	}
	fs.syncDescLocked(gr)
	gr.mu.Unlock()

	ip := fs.newInMemoryInode(ino, g)
	ip.raw.Mode = mode
	now := uint32(time.Now().Unix())
	ip.raw.Atime, ip.raw.Ctime, ip.raw.Mtime = now, now, now
	ip.state |= inodeStateNew
	ip.dirty = true

	uid, gid := currentOwner()
	ip.raw.UID = uid
	if parent != nil {
		if parent.raw.Mode&ModeSGID != 0 {
			ip.raw.GID = parent.raw.GID
			if directory {
				ip.raw.Mode |= ModeSGID
			}
		} else {
			ip.raw.GID = gid
		}
		ip.raw.Flags = parent.raw.Flags
	} else {
		ip.raw.GID = gid
	}

	fs.icacheMu.Lock()
	fs.icache[ino] = ip
	fs.icacheMu.Unlock()

	return ip, nil
}

// pickInodeGroup implements the placement policy: parent's group if it has
// both free inodes and free blocks; else quadratic probe from
// (parent_group + parent_ino) mod groups; else linear scan for any free
// inode.
func (fs *FileSystem) pickInodeGroup(parent *Inode) (uint32, error) {
	n := fs.sb.GroupsCount

	if parent != nil {
		pg := parent.blockGroup
		if fs.groupHasFreeInodeAndBlock(pg) {
			return pg, nil
		}
		start := (pg + parent.ino) % n
		for step := uint32(1); step < n; step *= 2 {
			g := (start + step) % n
			if fs.groupHasFreeInodeAndBlock(g) {
				return g, nil
			}
		}
	} else {
		for g := uint32(0); g < n; g++ {
			if fs.groupHasFreeInodeAndBlock(g) {
				return g, nil
			}
		}
	}

	for g := uint32(0); g < n; g++ {
		fs.groups[g].mu.Lock()
		free := fs.groups[g].desc.FreeInodesCount
		fs.groups[g].mu.Unlock()
		if free > 0 {
			return g, nil
		}
	}
	return 0, ErrNoSpace
}

func (fs *FileSystem) groupHasFreeInodeAndBlock(g uint32) bool {
	gr := fs.groups[g]
	gr.mu.Lock()
	defer gr.mu.Unlock()
	return gr.desc.FreeInodesCount > 0 && gr.desc.FreeBlocksCount > 0
}

// allocInodeInGroup finds and claims the first free bit in group g's
// inode bitmap, retrying within the group on a lost race, and validates
// the resulting inode number against the superblock's legal range.
func (fs *FileSystem) allocInodeInGroup(g uint32) (uint32, error) {
	gr := fs.groups[g]
	buf, err := fs.cache.Get(gr.desc.InodeBitmap)
	if err != nil {
		return 0, ioError("allocInodeInGroup", err)
	}
	defer fs.cache.Put(buf)

	gr.mu.Lock()
	defer gr.mu.Unlock()

	limit := int(fs.sb.raw.InodesPerGroup)
	bit := 0
	for {
		bit = bitFindZero(buf.Data, limit)
		if bit < 0 {
			return 0, ErrNoSpace
		}
		if bitTestAndSet(buf.Data, bit) {
			break
		}
		// Lost a race for this bit; search the bitmap again.
		bit++
		if bit >= limit {
			return 0, ErrNoSpace
		}
	}
	fs.cache.MarkDirty(buf)

	ino := g*fs.sb.raw.InodesPerGroup + uint32(bit) + 1
	if ino < fs.sb.raw.FirstIno || ino > fs.sb.raw.InodesCount {
		return 0, fs.corrupt("allocInodeInGroup", "computed inode %d out of legal range", ino)
	}
	return ino, nil
}

// FreeInode implements spec §4.4's free_inode: clears the bitmap bit and
// adjusts descriptor counters.
func (fs *FileSystem) FreeInode(ino uint32, wasDir bool) error {
	g := (ino - 1) / fs.sb.raw.InodesPerGroup
	bit := int((ino - 1) % fs.sb.raw.InodesPerGroup)
	gr, err := fs.getGroupDesc(g)
	if err != nil {
		return err
	}

	buf, err := fs.cache.Get(gr.desc.InodeBitmap)
	if err != nil {
		return ioError("FreeInode", err)
	}
	defer fs.cache.Put(buf)

	gr.mu.Lock()
	if !bitTestAndClear(buf.Data, bit) {
		gr.mu.Unlock()
		return fs.corrupt("FreeInode", "inode %d bitmap bit already clear", ino)
	}
	gr.desc.FreeInodesCount++
	if wasDir && gr.desc.UsedDirsCount > 0 {
		gr.desc.UsedDirsCount--
	}
	fs.syncDescLocked(gr)
	gr.mu.Unlock()

	fs.cache.MarkDirty(buf)
	fs.freeInodes.Add(1)
	if wasDir {
		fs.dirsCount.Add(-1)
	}
	return nil
}
