package ext2fs

import (
	"sync"

	"ext2lite/block"
)

// group holds the pinned state for one block group: its descriptor buffer
// (shared with every other descriptor in the same block), a decoded
// working copy of the descriptor fields, and the "bitmap lock" spec §5
// requires around bit-level mutation of that group's bitmaps and its
// descriptor's free counters. Two group locks are never held at once.
type group struct {
	mu sync.Mutex

	descBuf    *block.Buffer // pinned for the mount's lifetime
	descOffset int           // byte offset of this group's descriptor within descBuf
	desc       rawGroupDesc  // host-endian working copy, guarded by mu

	firstBlock uint32
	numBlocks  uint32
}

// getGroupDesc returns the group state for the given group index, or a
// corruption error if the index is out of range.
func (fs *FileSystem) getGroupDesc(g uint32) (*group, error) {
	if g >= uint32(len(fs.groups)) {
		return nil, fs.corrupt("getGroupDesc", "group %d out of range (have %d)", g, len(fs.groups))
	}
	return fs.groups[g], nil
}

// syncDescLocked re-encodes gr.desc into its backing descriptor buffer and
// marks it dirty. Caller must hold gr.mu.
func (fs *FileSystem) syncDescLocked(gr *group) {
	gr.desc.encodeInto(gr.descBuf.Data[gr.descOffset : gr.descOffset+rawGroupDescSize])
	fs.cache.MarkDirty(gr.descBuf)
}

// blocksInGroup returns the number of blocks belonging to group g,
// accounting for the last group possibly being short.
func (fs *FileSystem) blocksInGroup(g uint32) uint32 {
	return fs.groups[g].numBlocks
}
