package ext2fs

// Statfs mirrors struct statfs's ext2-relevant fields (spec §4.9).
type Statfs struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	TotalInodes uint64
	FreeInodes  uint64
	NameLen     uint32
	FsidHi      uint32
	FsidLo      uint32
}

// overheadBlocks returns the number of blocks spent on filesystem metadata
// rather than file data (spec §6.3): every block before the first data
// block, plus each group's superblock/group-descriptor-table backup (this
// lite variant has no sparse-superblock feature bit, so every group
// carries one) and its own block bitmap, inode bitmap, and inode table.
func (fs *FileSystem) overheadBlocks() uint64 {
	fs.smu.Lock()
	firstDataBlock := uint64(fs.sb.raw.FirstDataBlock)
	fs.smu.Unlock()

	groups := uint64(len(fs.groups))
	perGroupBackup := uint64(1 + fs.sb.GdbCount)  // superblock + group descriptor table
	perGroupMeta := uint64(2 + fs.sb.ItbPerGroup) // block bitmap + inode bitmap + inode table
	return firstDataBlock + groups*(perGroupBackup+perGroupMeta)
}

// Statfs implements spec §4.9's statfs: aggregate counters plus a
// synthesized filesystem id derived from the volume UUID, the way glibc's
// statfs synthesizes f_fsid from a filesystem-specific identifier when
// the on-disk format has no dedicated field for it.
func (fs *FileSystem) Statfs() Statfs {
	fs.smu.Lock()
	blocksCount := uint64(fs.sb.raw.BlocksCount)
	totalInodes := uint64(fs.sb.raw.InodesCount)
	fs.smu.Unlock()

	total := blocksCount - fs.overheadBlocks()

	uuidBytes := fs.sb.UUID
	var hiHalf, loHalf uint64
	for i := 0; i < 8; i++ {
		hiHalf |= uint64(uuidBytes[i]) << uint(i*8)
	}
	for i := 0; i < 8; i++ {
		loHalf |= uint64(uuidBytes[8+i]) << uint(i*8)
	}
	fsid := hiHalf ^ loHalf

	return Statfs{
		BlockSize:   fs.sb.BlockSize,
		TotalBlocks: total,
		FreeBlocks:  uint64(fs.freeBlocks.Sum()),
		TotalInodes: totalInodes,
		FreeInodes:  uint64(fs.freeInodes.Sum()),
		NameLen:     maxNameLen,
		FsidHi:      uint32(fsid >> 32),
		FsidLo:      uint32(fsid),
	}
}
