package ext2fs

import "encoding/binary"

// This file holds the byte-exact little-endian encode/decode routines for
// the on-disk structures of spec §3.1. Fields are addressed by explicit
// offset rather than via binary.Read/Write over a Go struct, since Go's
// struct layout rules do not guarantee the packed layout the wire format
// requires.

// rawSuperblock is the decoded, host-endian form of the on-disk
// superblock. Only the fields this lite variant consults are named; the
// remaining bytes of the 1024-byte superblock region are preserved
// verbatim across a read-modify-write cycle so foreign tooling sharing the
// image is not corrupted by fields we don't understand.
type rawSuperblock struct {
	InodesCount     uint32
	BlocksCount     uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	Mtime           uint32
	Wtime           uint32
	MntCount        uint16
	MaxMntCount     uint16
	Magic           uint16
	State           uint16
	Errors          uint16
	Lastcheck       uint32
	Checkinterval   uint32
	CreatorOS       uint32
	RevLevel        uint32
	FirstIno        uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID            [16]byte

	// raw is the untouched 1024-byte region this struct was decoded from,
	// kept so encodeSuperblock can splice the fields we understand back
	// into it without disturbing bytes we don't model.
	raw [rawSuperblockSize]byte
}

const (
	offInodesCount     = 0
	offBlocksCount     = 4
	offRBlocksCount    = 8
	offFreeBlocks      = 12
	offFreeInodes      = 16
	offFirstDataBlock  = 20
	offLogBlockSize    = 24
	offBlocksPerGroup  = 32
	offInodesPerGroup  = 40
	offMtime           = 44
	offWtime           = 48
	offMntCount        = 52
	offMaxMntCount     = 54
	offMagic           = 56
	offState           = 58
	offErrors          = 60
	offLastcheck       = 64
	offCheckinterval   = 68
	offCreatorOS       = 72
	offRevLevel        = 76
	offFirstIno        = 84
	offInodeSize       = 88
	offFeatureCompat   = 92
	offFeatureIncompat = 96
	offFeatureROCompat = 100
	offUUID            = 104
)

func decodeSuperblock(buf []byte) *rawSuperblock {
	le := binary.LittleEndian
	sb := &rawSuperblock{
		InodesCount:     le.Uint32(buf[offInodesCount:]),
		BlocksCount:     le.Uint32(buf[offBlocksCount:]),
		FreeBlocksCount: le.Uint32(buf[offFreeBlocks:]),
		FreeInodesCount: le.Uint32(buf[offFreeInodes:]),
		FirstDataBlock:  le.Uint32(buf[offFirstDataBlock:]),
		LogBlockSize:    le.Uint32(buf[offLogBlockSize:]),
		BlocksPerGroup:  le.Uint32(buf[offBlocksPerGroup:]),
		InodesPerGroup:  le.Uint32(buf[offInodesPerGroup:]),
		Mtime:           le.Uint32(buf[offMtime:]),
		Wtime:           le.Uint32(buf[offWtime:]),
		MntCount:        le.Uint16(buf[offMntCount:]),
		MaxMntCount:     le.Uint16(buf[offMaxMntCount:]),
		Magic:           le.Uint16(buf[offMagic:]),
		State:           le.Uint16(buf[offState:]),
		Errors:          le.Uint16(buf[offErrors:]),
		Lastcheck:       le.Uint32(buf[offLastcheck:]),
		Checkinterval:   le.Uint32(buf[offCheckinterval:]),
		CreatorOS:       le.Uint32(buf[offCreatorOS:]),
		RevLevel:        le.Uint32(buf[offRevLevel:]),
	}
	copy(sb.raw[:], buf[:rawSuperblockSize])

	if sb.RevLevel >= DynamicRev {
		sb.FirstIno = le.Uint32(buf[offFirstIno:])
		sb.InodeSize = le.Uint16(buf[offInodeSize:])
		sb.FeatureCompat = le.Uint32(buf[offFeatureCompat:])
		sb.FeatureIncompat = le.Uint32(buf[offFeatureIncompat:])
		sb.FeatureROCompat = le.Uint32(buf[offFeatureROCompat:])
		copy(sb.UUID[:], buf[offUUID:offUUID+16])
	} else {
		sb.FirstIno = GoodOldFirstIno
		sb.InodeSize = GoodOldInodeSize
	}
	return sb
}

// encode serializes the fields this driver understands back into raw,
// leaving every other byte of the superblock region untouched.
func (sb *rawSuperblock) encode() []byte {
	buf := make([]byte, rawSuperblockSize)
	copy(buf, sb.raw[:])
	le := binary.LittleEndian

	le.PutUint32(buf[offInodesCount:], sb.InodesCount)
	le.PutUint32(buf[offBlocksCount:], sb.BlocksCount)
	le.PutUint32(buf[offFreeBlocks:], sb.FreeBlocksCount)
	le.PutUint32(buf[offFreeInodes:], sb.FreeInodesCount)
	le.PutUint32(buf[offFirstDataBlock:], sb.FirstDataBlock)
	le.PutUint32(buf[offLogBlockSize:], sb.LogBlockSize)
	le.PutUint32(buf[offBlocksPerGroup:], sb.BlocksPerGroup)
	le.PutUint32(buf[offInodesPerGroup:], sb.InodesPerGroup)
	le.PutUint32(buf[offMtime:], sb.Mtime)
	le.PutUint32(buf[offWtime:], sb.Wtime)
	le.PutUint16(buf[offMntCount:], sb.MntCount)
	le.PutUint16(buf[offMaxMntCount:], sb.MaxMntCount)
	le.PutUint16(buf[offMagic:], sb.Magic)
	le.PutUint16(buf[offState:], sb.State)
	le.PutUint16(buf[offErrors:], sb.Errors)
	le.PutUint32(buf[offLastcheck:], sb.Lastcheck)
	le.PutUint32(buf[offCheckinterval:], sb.Checkinterval)
	le.PutUint32(buf[offCreatorOS:], sb.CreatorOS)
	le.PutUint32(buf[offRevLevel:], sb.RevLevel)

	if sb.RevLevel >= DynamicRev {
		le.PutUint32(buf[offFirstIno:], sb.FirstIno)
		le.PutUint16(buf[offInodeSize:], sb.InodeSize)
		le.PutUint32(buf[offFeatureCompat:], sb.FeatureCompat)
		le.PutUint32(buf[offFeatureIncompat:], sb.FeatureIncompat)
		le.PutUint32(buf[offFeatureROCompat:], sb.FeatureROCompat)
		copy(buf[offUUID:offUUID+16], sb.UUID[:])
	}
	return buf
}

// rawGroupDesc is the 32-byte on-disk group descriptor record.
type rawGroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
}

func decodeGroupDesc(buf []byte) rawGroupDesc {
	le := binary.LittleEndian
	return rawGroupDesc{
		BlockBitmap:     le.Uint32(buf[0:]),
		InodeBitmap:     le.Uint32(buf[4:]),
		InodeTable:      le.Uint32(buf[8:]),
		FreeBlocksCount: le.Uint16(buf[12:]),
		FreeInodesCount: le.Uint16(buf[14:]),
		UsedDirsCount:   le.Uint16(buf[16:]),
	}
}

func (gd rawGroupDesc) encodeInto(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], gd.BlockBitmap)
	le.PutUint32(buf[4:], gd.InodeBitmap)
	le.PutUint32(buf[8:], gd.InodeTable)
	le.PutUint16(buf[12:], gd.FreeBlocksCount)
	le.PutUint16(buf[14:], gd.FreeInodesCount)
	le.PutUint16(buf[16:], gd.UsedDirsCount)
	// bytes 18..31 (padding/reserved) are left as-is by the caller.
}

// rawInode is the decoded form of a fixed-size on-disk inode record (spec
// §3.1). Block holds all 15 i_block slots of classic ext2 (12 direct + 3
// indirect); only the first NDirBlocks are interpreted as block numbers,
// and the indirect slots are preserved verbatim but never interpreted.
type rawInode struct {
	Mode        uint16
	UID         uint16
	Size        uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	GID         uint16
	LinksCount  uint16
	Blocks      uint32
	Flags       uint32
	Block       [15]uint32
	Generation  uint32
}

const (
	offIMode       = 0
	offIUid        = 2
	offISize       = 4
	offIAtime      = 8
	offICtime      = 12
	offIMtime      = 16
	offIDtime      = 20
	offIGid        = 24
	offILinks      = 26
	offIBlocks     = 28
	offIFlags      = 32
	offIBlockArray = 40
	offIGeneration = 100
)

func decodeInode(buf []byte) rawInode {
	le := binary.LittleEndian
	var ri rawInode
	ri.Mode = le.Uint16(buf[offIMode:])
	ri.UID = le.Uint16(buf[offIUid:])
	ri.Size = le.Uint32(buf[offISize:])
	ri.Atime = le.Uint32(buf[offIAtime:])
	ri.Ctime = le.Uint32(buf[offICtime:])
	ri.Mtime = le.Uint32(buf[offIMtime:])
	ri.Dtime = le.Uint32(buf[offIDtime:])
	ri.GID = le.Uint16(buf[offIGid:])
	ri.LinksCount = le.Uint16(buf[offILinks:])
	ri.Blocks = le.Uint32(buf[offIBlocks:])
	ri.Flags = le.Uint32(buf[offIFlags:])
	for i := 0; i < 15; i++ {
		ri.Block[i] = le.Uint32(buf[offIBlockArray+4*i:])
	}
	ri.Generation = le.Uint32(buf[offIGeneration:])
	return ri
}

func (ri rawInode) encodeInto(buf []byte) {
	le := binary.LittleEndian
	le.PutUint16(buf[offIMode:], ri.Mode)
	le.PutUint16(buf[offIUid:], ri.UID)
	le.PutUint32(buf[offISize:], ri.Size)
	le.PutUint32(buf[offIAtime:], ri.Atime)
	le.PutUint32(buf[offICtime:], ri.Ctime)
	le.PutUint32(buf[offIMtime:], ri.Mtime)
	le.PutUint32(buf[offIDtime:], ri.Dtime)
	le.PutUint16(buf[offIGid:], ri.GID)
	le.PutUint16(buf[offILinks:], ri.LinksCount)
	le.PutUint32(buf[offIBlocks:], ri.Blocks)
	le.PutUint32(buf[offIFlags:], ri.Flags)
	for i := 0; i < 15; i++ {
		le.PutUint32(buf[offIBlockArray+4*i:], ri.Block[i])
	}
	le.PutUint32(buf[offIGeneration:], ri.Generation)
}

// rawDirentHeader is the fixed-size prefix of a directory entry; the name
// bytes immediately follow it in the containing chunk.
type rawDirentHeader struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

func decodeDirentHeader(buf []byte) rawDirentHeader {
	le := binary.LittleEndian
	return rawDirentHeader{
		Inode:    le.Uint32(buf[0:]),
		RecLen:   le.Uint16(buf[4:]),
		NameLen:  buf[6],
		FileType: buf[7],
	}
}

func (h rawDirentHeader) encodeInto(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Inode)
	le.PutUint16(buf[4:], h.RecLen)
	buf[6] = h.NameLen
	buf[7] = h.FileType
}
