package ext2fs

import (
	"fmt"

	"ext2lite/block"
)

func (fs *FileSystem) chunkSize() int { return int(fs.sb.BlockSize) }

// numChunks returns how many block-sized chunks dir's content currently
// spans.
func (fs *FileSystem) numChunks(dir *Inode) int {
	size := int(dir.Size())
	return (size + fs.chunkSize() - 1) / fs.chunkSize()
}

// checkChunk validates the invariants of spec §4.6 for one chunk's worth
// of directory data: every record fits, rec_len is 4-aligned and at least
// EXT2_DIR_REC_LEN(name_len), and the sum of rec_len values reaches
// exactly the chunk end.
func (fs *FileSystem) checkChunk(fn string, data []byte) error {
	chunkLen := len(data)
	off := 0
	for off < chunkLen {
		if off+rawDirentHeaderLen > chunkLen {
			return fs.corrupt(fn, "directory record header crosses chunk boundary at offset %d", off)
		}
		h := decodeDirentHeader(data[off:])
		if h.RecLen == 0 {
			return fs.corrupt(fn, "zero-length directory record at offset %d", off)
		}
		if h.RecLen%dirNamePad != 0 {
			return fs.corrupt(fn, "directory record length %d not 4-aligned at offset %d", h.RecLen, off)
		}
		if int(h.RecLen) < int(dirRecLen(int(h.NameLen))) {
			return fs.corrupt(fn, "directory record length %d too small for name length %d at offset %d",
				h.RecLen, h.NameLen, off)
		}
		if off+int(h.RecLen) > chunkLen {
			return fs.corrupt(fn, "directory record at offset %d extends past chunk end", off)
		}
		off += int(h.RecLen)
	}
	if off != chunkLen {
		return fs.corrupt(fn, "directory chunk records do not sum to chunk length (got %d want %d)", off, chunkLen)
	}
	return nil
}

// getChunk returns the pinned buffer backing chunk index i of dir,
// validating it against spec §4.6's chunk discipline on first access
// within this call (there is no separate "checked" flag cached across
// calls in this lite variant; every access re-validates its own chunk,
// which keeps the invariant enforced without needing folio-lifetime state
// the host would otherwise own).
func (fs *FileSystem) getChunk(dir *Inode, i int, create bool) (*block.Buffer, error) {
	buf, isNew, err := dir.blockBuffer(i, create)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, nil
	}
	if isNew {
		return buf, nil
	}
	if err := fs.checkChunk("getChunk", buf.Data); err != nil {
		fs.cache.Put(buf)
		return nil, err
	}
	return buf, nil
}

// iterChunk walks the records of a chunk buffer, invoking visit for each.
// visit returns false to stop iteration early.
func iterChunk(data []byte, visit func(h rawDirentHeader, name string, off int) bool) {
	off := 0
	for off < len(data) {
		h := decodeDirentHeader(data[off:])
		if h.RecLen == 0 {
			return
		}
		name := string(data[off+rawDirentHeaderLen : off+rawDirentHeaderLen+int(h.NameLen)])
		if !visit(h, name, off) {
			return
		}
		off += int(h.RecLen)
	}
}

// FindEntry implements spec §4.6's find_entry: scans chunks for name,
// returning the owning buffer (pinned; caller must Put) and the matching
// header/offset. Returns ErrNotFound on a miss.
func (fs *FileSystem) FindEntry(dir *Inode, name string) (*block.Buffer, rawDirentHeader, int, error) {
	n := fs.numChunks(dir)
	for c := 0; c < n; c++ {
		buf, err := fs.getChunk(dir, c, false)
		if err != nil {
			return nil, rawDirentHeader{}, 0, err
		}
		if buf == nil {
			continue
		}
		var found *rawDirentHeader
		var foundOff int
		iterChunk(buf.Data, func(h rawDirentHeader, entryName string, off int) bool {
			if h.Inode != 0 && entryName == name {
				hh := h
				found, foundOff = &hh, off
				return false
			}
			return true
		})
		if found != nil {
			return buf, *found, foundOff, nil
		}
		fs.cache.Put(buf)
	}
	return nil, rawDirentHeader{}, 0, ErrNotFound
}

// InodeByName is spec §4.6's inode_by_name convenience wrapper.
func (fs *FileSystem) InodeByName(dir *Inode, name string) (uint32, error) {
	buf, h, _, err := fs.FindEntry(dir, name)
	if err != nil {
		return 0, err
	}
	fs.cache.Put(buf)
	return h.Inode, nil
}

// Dotdot returns the second entry of the first chunk: the ".." entry.
func (fs *FileSystem) Dotdot(dir *Inode) (uint32, error) {
	buf, err := fs.getChunk(dir, 0, false)
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return 0, fs.corrupt("Dotdot", "directory %d has no first chunk", dir.Ino())
	}
	defer fs.cache.Put(buf)

	first := decodeDirentHeader(buf.Data)
	second := decodeDirentHeader(buf.Data[first.RecLen:])
	return second.Inode, nil
}

// Readdir walks dir starting at byte offset `start`, calling emit for
// every live entry, and returns the offset to resume from. It re-aligns
// to a record boundary at the start of the current chunk if the
// directory's iversion has advanced since `start` was captured by the
// caller, per spec §4.6's concurrent-mutation tolerance.
func (fs *FileSystem) Readdir(dir *Inode, start int64, startVersion uint64, emit func(name string, ino uint32, offset int64) bool) (int64, error) {
	chunkSz := int64(fs.chunkSize())
	pos := start
	if dir.Version() != startVersion {
		pos = (pos / chunkSz) * chunkSz
	}

	n := fs.numChunks(dir)
	for c := int(pos / chunkSz); c < n; c++ {
		buf, err := fs.getChunk(dir, c, false)
		if err != nil {
			return pos, err
		}
		if buf == nil {
			continue
		}
		chunkBase := int64(c) * chunkSz
		off := int(pos - chunkBase)
		if off < 0 {
			off = 0
		}
		stop := false
		for off < len(buf.Data) {
			h := decodeDirentHeader(buf.Data[off:])
			if h.RecLen == 0 {
				fs.cache.Put(buf)
				return pos, fs.corrupt("Readdir", "zero-length record while iterating directory %d", dir.Ino())
			}
			if h.Inode != 0 {
				name := string(buf.Data[off+rawDirentHeaderLen : off+rawDirentHeaderLen+int(h.NameLen)])
				nextPos := chunkBase + int64(off) + int64(h.RecLen)
				if !emit(name, h.Inode, nextPos) {
					pos = nextPos
					stop = true
					break
				}
			}
			off += int(h.RecLen)
		}
		if !stop {
			pos = chunkBase + chunkSz
		}
		fs.cache.Put(buf)
		if stop {
			break
		}
	}
	return pos, nil
}

// AddLink implements spec §4.6's add_link: collision-checks, reuses a
// tombstone or trailing free space, and otherwise extends the directory
// by one chunk.
func (fs *FileSystem) AddLink(parent *Inode, name string, ino uint32, fileType uint8) error {
	if len(name) == 0 || len(name) > maxNameLen {
		return fmt.Errorf("%w: directory entry name length %d", ErrInvalid, len(name))
	}
	if exists, err := fs.hasCollision(parent, name); err != nil {
		return err
	} else if exists {
		return ErrExist
	}
	needed := dirRecLen(len(name))

	n := fs.numChunks(parent)
	for c := 0; c < n; c++ {
		buf, err := fs.getChunk(parent, c, false)
		if err != nil {
			return err
		}
		if buf == nil {
			continue
		}
		if fs.tryInsertInChunk(buf, name, ino, fileType, needed) {
			fs.commitChunk(parent, buf)
			return nil
		}
		fs.cache.Put(buf)
	}

	// No room in any existing chunk: extend by one whole chunk.
	newChunkIdx := n
	buf, err := fs.getChunk(parent, newChunkIdx, true)
	if err != nil {
		return err
	}
	if buf == nil {
		return fs.corrupt("AddLink", "failed to extend directory %d by a chunk", parent.Ino())
	}
	h := rawDirentHeader{Inode: 0, RecLen: uint16(fs.chunkSize())}
	h.encodeInto(buf.Data)

	parent.mu.Lock()
	if newSize := uint32((newChunkIdx + 1) * fs.chunkSize()); newSize > parent.raw.Size {
		parent.raw.Size = newSize
	}
	parent.mu.Unlock()

	if !fs.tryInsertInChunk(buf, name, ino, fileType, needed) {
		fs.cache.Put(buf)
		return fs.corrupt("AddLink", "could not insert into freshly extended chunk of directory %d", parent.Ino())
	}
	fs.commitChunk(parent, buf)
	return nil
}

// tryInsertInChunk looks for a tombstone or trailing free space within one
// chunk buffer and performs the split/insert if found. Returns true if the
// entry was written. Callers must have already ruled out a name collision.
func (fs *FileSystem) tryInsertInChunk(buf *block.Buffer, name string, ino uint32, fileType uint8, needed uint16) bool {
	data := buf.Data
	off := 0
	for off < len(data) {
		h := decodeDirentHeader(data[off:])
		if h.RecLen == 0 {
			return false
		}

		if h.Inode == 0 && h.RecLen >= needed {
			writeDirent(data, off, ino, h.RecLen, fileType, name)
			return true
		}

		used := dirRecLen(int(h.NameLen))
		free := h.RecLen - used
		if h.Inode != 0 && free >= needed {
			// Shrink the existing entry to its exact size and carve the
			// remainder out for the new entry (the "split" of spec §4.6).
			newHeader := h
			newHeader.RecLen = used
			newHeader.encodeInto(data[off:])
			writeDirent(data, off+int(used), ino, free, fileType, name)
			return true
		}

		off += int(h.RecLen)
	}
	return false
}

// writeDirent encodes a directory entry with recLen bytes reserved for it
// at off, containing name.
func writeDirent(data []byte, off int, ino uint32, recLen uint16, fileType uint8, name string) {
	h := rawDirentHeader{Inode: ino, RecLen: recLen, NameLen: uint8(len(name)), FileType: fileType}
	h.encodeInto(data[off:])
	copy(data[off+rawDirentHeaderLen:off+rawDirentHeaderLen+len(name)], name)
}

// hasCollision reports whether name already appears live within dir,
// used by AddLink ahead of the insert so EEXIST can be surfaced distinctly
// from ENOSPC.
func (fs *FileSystem) hasCollision(dir *Inode, name string) (bool, error) {
	buf, _, _, err := fs.FindEntry(dir, name)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	fs.cache.Put(buf)
	return true, nil
}

// commitChunk marks the chunk dirty, bumps the directory's iversion, and
// updates its mtime/ctime — the "commit" step of the prepare/mutate/commit
// protocol (spec §4.6, §9).
func (fs *FileSystem) commitChunk(dir *Inode, buf *block.Buffer) {
	fs.cache.MarkDirty(buf)
	fs.cache.Put(buf)
	dir.bumpVersion()
	dir.touchTimes()
}

// DeleteEntry implements spec §4.6's delete_entry: absorb the removed
// record's bytes into the previous record (live or tombstone) within the
// same chunk, or simply tombstone it if it is first in the chunk.
func (fs *FileSystem) DeleteEntry(dir *Inode, name string) error {
	buf, target, targetOff, err := fs.FindEntry(dir, name)
	if err != nil {
		return err
	}

	prevOff := -1
	iterChunk(buf.Data, func(h rawDirentHeader, _ string, off int) bool {
		if off == targetOff {
			return false
		}
		prevOff = off
		return true
	})

	if prevOff >= 0 {
		prev := decodeDirentHeader(buf.Data[prevOff:])
		prev.RecLen += target.RecLen
		prev.encodeInto(buf.Data[prevOff:])
	} else {
		target.Inode = 0
		target.encodeInto(buf.Data[targetOff:])
	}

	fs.commitChunk(dir, buf)
	return nil
}

// SetLink implements spec §4.6's set_link: overwrite an already-located
// entry's inode number in place.
func (fs *FileSystem) SetLink(dir *Inode, entryOff int, buf *block.Buffer, newIno uint32, updateTimes bool) error {
	h := decodeDirentHeader(buf.Data[entryOff:])
	h.Inode = newIno
	h.FileType = 0
	h.encodeInto(buf.Data[entryOff:])
	fs.cache.MarkDirty(buf)
	fs.cache.Put(buf)
	dir.bumpVersion()
	if updateTimes {
		dir.touchTimes()
	}
	return nil
}

// MakeEmpty implements spec §4.6's make_empty: populate the first chunk
// of a freshly allocated directory inode with "." and "..".
func (fs *FileSystem) MakeEmpty(newDir *Inode, parentIno uint32) error {
	buf, isNew, err := newDir.blockBuffer(0, true)
	if err != nil {
		return err
	}
	if !isNew {
		return fs.corrupt("MakeEmpty", "directory %d already had a first chunk", newDir.Ino())
	}

	dotLen := dirRecLen(1)
	writeDirent(buf.Data, 0, newDir.Ino(), dotLen, 0, ".")
	writeDirent(buf.Data, int(dotLen), parentIno, uint16(fs.chunkSize())-dotLen, 0, "..")

	newDir.mu.Lock()
	newDir.raw.Size = fs.sb.BlockSize
	newDir.mu.Unlock()

	fs.cache.MarkDirty(buf)
	fs.cache.Put(buf)
	newDir.bumpVersion()
	return nil
}

// EmptyDir implements spec §4.6's empty_dir: any live entry other than
// "." (pointing to self) and ".." proves non-empty.
func (fs *FileSystem) EmptyDir(dir *Inode) (bool, error) {
	n := fs.numChunks(dir)
	nonEmpty := false
	for c := 0; c < n && !nonEmpty; c++ {
		buf, err := fs.getChunk(dir, c, false)
		if err != nil {
			return false, err
		}
		if buf == nil {
			continue
		}
		iterChunk(buf.Data, func(h rawDirentHeader, name string, off int) bool {
			if h.Inode == 0 {
				return true
			}
			if c == 0 && ((name == "." && h.Inode == dir.Ino()) || name == "..") {
				return true
			}
			nonEmpty = true
			return false
		})
		fs.cache.Put(buf)
	}
	return !nonEmpty, nil
}

