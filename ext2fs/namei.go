package ext2fs

import (
	"fmt"
	"time"
)

// fastSymlinkCap is the number of bytes of a symlink target that fit
// directly in the inode's block-number array, avoiding a data block
// allocation (spec §4.7's fast/slow symlink threshold). It mirrors the
// 15*4-byte i_block array's raw byte capacity, independent of how many of
// those slots this lite variant otherwise interprets as block numbers.
const fastSymlinkCap = 15 * 4

// Lookup implements spec §4.8's namei: resolve name within dir to its
// inode, materialized via Iget.
func (fs *FileSystem) Lookup(dir *Inode, name string) (*Inode, error) {
	if !dir.IsDirectory() {
		return nil, ErrNotDir
	}
	ino, err := fs.InodeByName(dir, name)
	if err != nil {
		return nil, err
	}
	return fs.Iget(ino)
}

// Create implements spec §4.8's create: allocate a regular-file inode,
// link it into dir under name. The inode is freed if linking fails.
func (fs *FileSystem) Create(dir *Inode, name string, mode uint16) (*Inode, error) {
	if !dir.IsDirectory() {
		return nil, ErrNotDir
	}
	ip, err := fs.NewInode(dir, (mode&^ModeFmt)|ModeRegSlr)
	if err != nil {
		return nil, err
	}
	ip.raw.LinksCount = 1
	ip.dirty = true

	if err := fs.AddLink(dir, name, ip.Ino(), 0); err != nil {
		fs.abortNewInode(ip)
		return nil, err
	}
	if err := ip.WriteInode(false); err != nil {
		return nil, err
	}
	return ip, nil
}

// abortNewInode rolls back a freshly allocated inode that failed to be
// linked into any directory: zero its link count and let Put's eviction
// path reclaim it.
func (fs *FileSystem) abortNewInode(ip *Inode) {
	ip.mu.Lock()
	ip.raw.LinksCount = 0
	ip.dirty = true
	ip.mu.Unlock()
	ip.Put()
}

// Link implements spec §4.8's link: add a new name for an existing inode,
// bumping its link count. Directories cannot be hard-linked.
func (fs *FileSystem) Link(dir *Inode, name string, target *Inode) error {
	if !dir.IsDirectory() {
		return ErrNotDir
	}
	if target.IsDirectory() {
		return fmt.Errorf("%w: directories cannot be hard-linked", ErrInvalid)
	}
	if err := fs.AddLink(dir, name, target.Ino(), 0); err != nil {
		return err
	}
	target.mu.Lock()
	target.raw.LinksCount++
	target.raw.Ctime = uint32(time.Now().Unix())
	target.dirty = true
	target.mu.Unlock()
	return target.WriteInode(false)
}

// Unlink implements spec §4.8's unlink: remove name from dir and drop the
// target inode's link count. The inode is only actually reclaimed once
// its refcount and link count both reach zero, via Put/evict.
func (fs *FileSystem) Unlink(dir *Inode, name string) error {
	if !dir.IsDirectory() {
		return ErrNotDir
	}
	ino, err := fs.InodeByName(dir, name)
	if err != nil {
		return err
	}
	ip, err := fs.Iget(ino)
	if err != nil {
		return err
	}
	if ip.IsDirectory() {
		ip.Put()
		return ErrIsDir
	}

	if err := fs.DeleteEntry(dir, name); err != nil {
		ip.Put()
		return err
	}

	ip.mu.Lock()
	if ip.raw.LinksCount > 0 {
		ip.raw.LinksCount--
	}
	ip.raw.Ctime = uint32(time.Now().Unix())
	ip.dirty = true
	ip.mu.Unlock()

	if err := ip.WriteInode(false); err != nil {
		ip.Put()
		return err
	}
	return ip.Put()
}

// Symlink implements spec §4.7/§4.8: targets of at most fastSymlinkCap
// bytes are stored inline in the inode's block array (no data block,
// Blocks==0, which is exactly how Kind distinguishes fast from slow
// symlinks); longer targets get a single allocated data block. A target
// that does not fit in one block together with a terminating NUL is
// rejected as unsupported.
func (fs *FileSystem) Symlink(dir *Inode, name, target string) (*Inode, error) {
	if !dir.IsDirectory() {
		return nil, ErrNotDir
	}
	if len(target) == 0 {
		return nil, fmt.Errorf("%w: symlink target length %d", ErrInvalid, len(target))
	}
	if len(target)+1 > int(fs.sb.BlockSize) {
		return nil, fmt.Errorf("%w: symlink target length %d exceeds a block", ErrUnsupported, len(target))
	}

	ip, err := fs.NewInode(dir, ModeLink|0777)
	if err != nil {
		return nil, err
	}
	ip.raw.LinksCount = 1

	if len(target) <= fastSymlinkCap {
		ip.mu.Lock()
		buf := make([]byte, fastSymlinkCap)
		copy(buf, target)
		for i := 0; i < NDirBlocks+3 && i < len(ip.raw.Block); i++ {
			ip.raw.Block[i] = uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		}
		ip.raw.Size = uint32(len(target))
		ip.dirty = true
		ip.mu.Unlock()
	} else {
		n, err := ip.WriteAt([]byte(target), 0)
		if err != nil || n != len(target) {
			fs.abortNewInode(ip)
			if err == nil {
				err = fmt.Errorf("%w: short symlink target write", ErrInvalid)
			}
			return nil, err
		}
	}

	if err := fs.AddLink(dir, name, ip.Ino(), 0); err != nil {
		fs.abortNewInode(ip)
		return nil, err
	}
	if err := ip.WriteInode(false); err != nil {
		return nil, err
	}
	return ip, nil
}

// ReadSymlink returns a symlink inode's target string, reading it from
// either the inline block array (fast) or the single data block (slow).
func (ip *Inode) ReadSymlink() (string, error) {
	if ip.Kind() == KindFastSymlink {
		ip.mu.Lock()
		buf := make([]byte, fastSymlinkCap)
		for i := 0; i < NDirBlocks+3 && i < len(ip.raw.Block); i++ {
			v := ip.raw.Block[i]
			buf[i*4] = byte(v)
			buf[i*4+1] = byte(v >> 8)
			buf[i*4+2] = byte(v >> 16)
			buf[i*4+3] = byte(v >> 24)
		}
		size := ip.raw.Size
		ip.mu.Unlock()
		return string(buf[:size]), nil
	}
	if ip.Kind() != KindSlowSymlink {
		return "", fmt.Errorf("%w: not a symlink", ErrInvalid)
	}
	buf := make([]byte, ip.Size())
	n, err := ip.ReadAt(buf, 0)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Mkdir implements spec §4.8's mkdir: allocate a directory inode,
// populate it with "." and "..", link it into the parent, and bump the
// parent's link count for the child's "..".
func (fs *FileSystem) Mkdir(dir *Inode, name string, mode uint16) (*Inode, error) {
	if !dir.IsDirectory() {
		return nil, ErrNotDir
	}
	ip, err := fs.NewInode(dir, (mode&^ModeFmt)|ModeDir)
	if err != nil {
		return nil, err
	}
	ip.raw.LinksCount = 2 // "." plus the parent's new entry
	ip.dirty = true

	if err := fs.MakeEmpty(ip, dir.Ino()); err != nil {
		fs.abortNewInode(ip)
		return nil, err
	}
	if err := fs.AddLink(dir, name, ip.Ino(), 0); err != nil {
		fs.abortNewInode(ip)
		return nil, err
	}
	if err := ip.WriteInode(false); err != nil {
		return nil, err
	}

	dir.mu.Lock()
	dir.raw.LinksCount++ // the child's ".."
	dir.dirty = true
	dir.mu.Unlock()
	if err := dir.WriteInode(false); err != nil {
		return nil, err
	}
	return ip, nil
}

// Rmdir implements spec §4.8's rmdir: refuses a non-empty directory,
// otherwise removes it from its parent and drops both the child's own
// link count and the parent's link count for the removed "..".
func (fs *FileSystem) Rmdir(dir *Inode, name string) error {
	if !dir.IsDirectory() {
		return ErrNotDir
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: cannot remove . or ..", ErrInvalid)
	}
	ino, err := fs.InodeByName(dir, name)
	if err != nil {
		return err
	}
	ip, err := fs.Iget(ino)
	if err != nil {
		return err
	}
	if !ip.IsDirectory() {
		ip.Put()
		return ErrNotDir
	}
	empty, err := fs.EmptyDir(ip)
	if err != nil {
		ip.Put()
		return err
	}
	if !empty {
		ip.Put()
		return ErrNotEmpty
	}

	if err := fs.DeleteEntry(dir, name); err != nil {
		ip.Put()
		return err
	}

	ip.mu.Lock()
	ip.raw.LinksCount = 0
	ip.dirty = true
	ip.mu.Unlock()

	dir.mu.Lock()
	if dir.raw.LinksCount > 0 {
		dir.raw.LinksCount--
	}
	dir.dirty = true
	dir.mu.Unlock()
	if err := dir.WriteInode(false); err != nil {
		ip.Put()
		return err
	}

	return ip.Put()
}

// Mknod implements spec §4.8's mknod: allocate a special-file inode
// (char/block device, fifo, or socket) and record its device number.
func (fs *FileSystem) Mknod(dir *Inode, name string, mode uint16, dev uint32) (*Inode, error) {
	if !dir.IsDirectory() {
		return nil, ErrNotDir
	}
	if !isSpecial(mode) {
		return nil, fmt.Errorf("%w: mode is not a special file type", ErrInvalid)
	}
	ip, err := fs.NewInode(dir, mode)
	if err != nil {
		return nil, err
	}
	ip.raw.LinksCount = 1
	ip.dirty = true
	if isChar(mode) || isBlockDev(mode) {
		ip.SetDevice(dev)
	}

	if err := fs.AddLink(dir, name, ip.Ino(), 0); err != nil {
		fs.abortNewInode(ip)
		return nil, err
	}
	if err := ip.WriteInode(false); err != nil {
		return nil, err
	}
	return ip, nil
}

// Rename implements spec §4.8's rename: if the destination name does not
// exist, it is created fresh via add_link. If it does exist, its entry is
// overwritten in place to point at the source inode and the destination's
// own link count is dropped (twice if the source is a directory), rather
// than being treated as a collision — RenameExchange and RenameWhiteout are
// not implemented and are rejected as unsupported; RenameNoReplace restores
// the old collision-is-an-error behavior for callers that want it. Renaming
// a directory across parents relinks its ".." entry and adjusts both
// parents' link counts.
func (fs *FileSystem) Rename(oldDir *Inode, oldName string, newDir *Inode, newName string, flags uint32) error {
	if !oldDir.IsDirectory() || !newDir.IsDirectory() {
		return ErrNotDir
	}
	if flags&(RenameExchange|RenameWhiteout) != 0 {
		return fmt.Errorf("%w: rename flags other than NOREPLACE", ErrUnsupported)
	}
	if oldName == "." || oldName == ".." || newName == "." || newName == ".." {
		return fmt.Errorf("%w: cannot rename . or ..", ErrInvalid)
	}

	srcIno, err := fs.InodeByName(oldDir, oldName)
	if err != nil {
		return err
	}
	ip, err := fs.Iget(srcIno)
	if err != nil {
		return err
	}
	defer ip.Put()

	crossDir := oldDir.Ino() != newDir.Ino()
	if ip.IsDirectory() && crossDir {
		if ancestor, err := fs.isAncestor(ip, newDir); err != nil {
			return err
		} else if ancestor {
			return fmt.Errorf("%w: cannot move a directory into its own descendant", ErrInvalid)
		}
	}

	dstBuf, dstHeader, dstOff, err := fs.FindEntry(newDir, newName)
	switch {
	case err == ErrNotFound:
		// Nothing to overwrite; add_link below extends the directory.
	case err != nil:
		return err
	case flags&RenameNoReplace != 0:
		fs.cache.Put(dstBuf)
		return ErrExist
	}
	dstExists := err == nil

	var dst *Inode
	if dstExists {
		dst, err = fs.Iget(dstHeader.Inode)
		if err != nil {
			fs.cache.Put(dstBuf)
			return err
		}
		defer dst.Put()

		if ip.IsDirectory() {
			if !dst.IsDirectory() {
				fs.cache.Put(dstBuf)
				return ErrNotDir
			}
			empty, err := fs.EmptyDir(dst)
			if err != nil {
				fs.cache.Put(dstBuf)
				return err
			}
			if !empty {
				fs.cache.Put(dstBuf)
				return ErrNotEmpty
			}
		} else if dst.IsDirectory() {
			fs.cache.Put(dstBuf)
			return ErrIsDir
		}

		if err := fs.SetLink(newDir, dstOff, dstBuf, srcIno, true); err != nil {
			return err
		}
	} else if err := fs.AddLink(newDir, newName, srcIno, 0); err != nil {
		return err
	}

	if err := fs.DeleteEntry(oldDir, oldName); err != nil {
		return err
	}

	ip.mu.Lock()
	ip.raw.Ctime = uint32(time.Now().Unix())
	ip.dirty = true
	ip.mu.Unlock()
	if err := ip.WriteInode(false); err != nil {
		return err
	}

	if dstExists {
		drop := uint16(1)
		if ip.IsDirectory() {
			drop = 2
		}
		dst.mu.Lock()
		for i := uint16(0); i < drop && dst.raw.LinksCount > 0; i++ {
			dst.raw.LinksCount--
		}
		dst.raw.Ctime = uint32(time.Now().Unix())
		dst.dirty = true
		dst.mu.Unlock()
		if err := dst.WriteInode(false); err != nil {
			return err
		}
	}

	if ip.IsDirectory() && crossDir {
		if err := fs.relinkDotdot(ip, newDir.Ino()); err != nil {
			return err
		}
		oldDir.mu.Lock()
		if oldDir.raw.LinksCount > 0 {
			oldDir.raw.LinksCount--
		}
		oldDir.dirty = true
		oldDir.mu.Unlock()
		newDir.mu.Lock()
		newDir.raw.LinksCount++
		newDir.dirty = true
		newDir.mu.Unlock()
		if err := oldDir.WriteInode(false); err != nil {
			return err
		}
		if err := newDir.WriteInode(false); err != nil {
			return err
		}
	}
	return nil
}

// relinkDotdot rewrites a directory's ".." entry to point at newParent.
func (fs *FileSystem) relinkDotdot(dir *Inode, newParent uint32) error {
	buf, err := fs.getChunk(dir, 0, false)
	if err != nil {
		return err
	}
	if buf == nil {
		return fs.corrupt("relinkDotdot", "directory %d has no first chunk", dir.Ino())
	}
	first := decodeDirentHeader(buf.Data)
	dotdotOff := int(first.RecLen)
	return fs.SetLink(dir, dotdotOff, buf, newParent, true)
}

// isAncestor reports whether candidate is ip itself or a directory
// reachable by following ".." upward from candidate, used to reject a
// rename that would move a directory into its own subtree.
func (fs *FileSystem) isAncestor(ip *Inode, candidate *Inode) (bool, error) {
	if ip.Ino() == candidate.Ino() {
		return true, nil
	}
	cur := candidate
	pinned := false
	for cur.Ino() != DirRootIno {
		parentIno, err := fs.Dotdot(cur)
		if err != nil {
			if pinned {
				cur.Put()
			}
			return false, err
		}
		if pinned {
			cur.Put()
		}
		if parentIno == ip.Ino() {
			return true, nil
		}
		next, err := fs.Iget(parentIno)
		if err != nil {
			return false, err
		}
		cur = next
		pinned = true
	}
	if pinned {
		cur.Put()
	}
	return false, nil
}
