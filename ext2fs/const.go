// Package ext2fs implements the ext2-lite filesystem engine: on-disk
// structure decoders, the block and inode bitmap allocators, the directory
// entry layout and its mutation protocol, the inode lifecycle, and the
// namespace operations tying all of it together. It is designed to run
// inside a host that supplies block I/O (package block), the way the
// original in-kernel driver runs inside the VFS.
package ext2fs

const (
	// SuperMagic is the on-disk magic number identifying an ext2-lite
	// filesystem.
	SuperMagic = 0xEF53

	// SuperblockOffset is the fixed byte offset of the superblock,
	// independent of block size.
	SuperblockOffset = 1024

	// NDirBlocks is N_BLOCKS: the number of direct block-number slots in
	// an inode. This lite variant has no indirect blocks.
	NDirBlocks = 12

	// GoodOldRev is revision 0: fixed 128-byte inodes, first non-reserved
	// inode is 11.
	GoodOldRev = 0
	// DynamicRev is revision 1: inode size and first inode are read from
	// the superblock.
	DynamicRev  = 1
	MaxRevision = DynamicRev

	GoodOldInodeSize = 128
	GoodOldFirstIno  = 11

	rawSuperblockSize  = 1024
	rawGroupDescSize   = 32
	rawDirentHeaderLen = 8

	sectorSize = 512

	// State flags (s_state).
	ValidFS = 0x1
	ErrorFS = 0x2

	// Error policy defaults (s_errors).
	ErrorsContinue  = 1
	ErrorsRO        = 2
	ErrorsPanic     = 3
	ErrorsRemountRO = ErrorsRO

	// Mode bits (mirroring POSIX st_mode / on-disk i_mode).
	ModeFmt    = 0xF000
	ModeFIFO   = 0x1000
	ModeChar   = 0x2000
	ModeDir    = 0x4000
	ModeBlock  = 0x6000
	ModeRegSlr = 0x8000
	ModeLink   = 0xA000
	ModeSocket = 0xC000

	ModeSUID = 0x0800
	ModeSGID = 0x0400
	ModeVTX  = 0x0200

	// DirRootIno is the well-known root directory inode number.
	DirRootIno = 2

	dirEntryMinLen = 12 // one-char name, header + 4 bytes rounded up
	dirNamePad     = 4
	maxNameLen     = 255

	// Rename flag bits (mirroring the renameat2 flag word). This lite
	// variant accepts only the no-op default and RenameNoReplace; the
	// others are rejected as unsupported (spec §7.7).
	RenameNoReplace = 1 << 0
	RenameExchange  = 1 << 1
	RenameWhiteout  = 1 << 2
)

// modeType extracts the file-type bits from a raw on-disk mode word.
func modeType(mode uint16) uint16 { return mode & ModeFmt }

func isDir(mode uint16) bool    { return modeType(mode) == ModeDir }
func isRegular(mode uint16) bool { return modeType(mode) == ModeRegSlr }
func isSymlink(mode uint16) bool { return modeType(mode) == ModeLink }
func isChar(mode uint16) bool    { return modeType(mode) == ModeChar }
func isBlockDev(mode uint16) bool { return modeType(mode) == ModeBlock }
func isFifo(mode uint16) bool    { return modeType(mode) == ModeFIFO }
func isSocket(mode uint16) bool  { return modeType(mode) == ModeSocket }
func isSpecial(mode uint16) bool {
	return isChar(mode) || isBlockDev(mode) || isFifo(mode) || isSocket(mode)
}

// dirRecLen returns EXT2_DIR_REC_LEN(name_len): the minimal 4-byte-aligned
// record length needed to hold a directory entry with the given name
// length.
func dirRecLen(nameLen int) uint16 {
	l := rawDirentHeaderLen + nameLen
	l = (l + dirNamePad - 1) &^ (dirNamePad - 1)
	if l < dirEntryMinLen {
		l = dirEntryMinLen
	}
	return uint16(l)
}
