package ext2fs

import (
	"testing"

	"github.com/google/uuid"

	"ext2lite/block"
)

// fixtureParams describes the geometry of a synthetic single- or
// multi-group image built for tests: one group's worth of metadata
// (bitmaps + inode table) followed by its data blocks, repeated per group.
type fixtureParams struct {
	blocksPerGroup uint32
	inodesPerGroup uint32
	groups         uint32
}

func defaultFixtureParams() fixtureParams {
	return fixtureParams{blocksPerGroup: 256, inodesPerGroup: 64, groups: 1}
}

// buildFixtureDevice lays out a minimal but valid ext2-lite image (block
// size 1024, inode size 128) directly through the package's own encoders,
// matching what a real mkfs would produce: reserved inodes and metadata
// blocks pre-marked allocated, root directory populated with "." and "..".
func buildFixtureDevice(t *testing.T, p fixtureParams) *block.MemDevice {
	t.Helper()

	const blockSize = 1024
	const inodeSize = 128
	const inodesPerBlock = blockSize / inodeSize
	itbPerGroup := p.inodesPerGroup / inodesPerBlock
	firstDataBlock := uint32(1)
	blocksCount := firstDataBlock + p.blocksPerGroup*p.groups

	dev := block.NewMemDevice(int64(blocksCount) * blockSize)
	writeBlock := func(b uint32, data []byte) {
		if err := dev.WriteAt(data, int64(b)*blockSize); err != nil {
			t.Fatalf("writing fixture block %d: %v", b, err)
		}
	}

	const firstIno = 11

	sb := &rawSuperblock{
		InodesCount:     p.inodesPerGroup * p.groups,
		BlocksCount:     blocksCount,
		FirstDataBlock:  firstDataBlock,
		LogBlockSize:    0,
		BlocksPerGroup:  p.blocksPerGroup,
		InodesPerGroup:  p.inodesPerGroup,
		Magic:           SuperMagic,
		State:           ValidFS,
		Errors:          ErrorsContinue,
		RevLevel:        DynamicRev,
		FirstIno:        firstIno,
		InodeSize:       inodeSize,
		FeatureCompat:   0,
		FeatureIncompat: 0,
		FeatureROCompat: 0,
	}
	fixtureUUID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	copy(sb.UUID[:], fixtureUUID[:])

	if p.groups > 32 {
		t.Fatalf("fixture builder only supports a single group-descriptor block (<=32 groups)")
	}
	const gdbCount = 1 // groups*32-byte descriptors fit in one 1024-byte block

	var totalFreeBlocks, totalFreeInodes uint32

	for g := uint32(0); g < p.groups; g++ {
		groupFirst := firstDataBlock + g*p.blocksPerGroup

		// Group 0's block range also hosts the superblock (block 1) and
		// the group descriptor table (block 2..), ahead of its own
		// bitmaps and inode table.
		overhead := uint32(0)
		if g == 0 {
			overhead = 1 + gdbCount
		}
		bbitmapBlock := groupFirst + overhead
		ibitmapBlock := bbitmapBlock + 1
		itableBlock := ibitmapBlock + 1
		dataStartInGroup := overhead + 2 + itbPerGroup

		bbitmap := make([]byte, blockSize)
		for i := uint32(0); i < dataStartInGroup; i++ {
			setBit(bbitmap, int(i))
		}
		freeBlocksInGroup := p.blocksPerGroup - dataStartInGroup

		ibitmap := make([]byte, blockSize)
		reserved := uint32(0)
		if g == 0 {
			reserved = firstIno - 1
			for i := uint32(0); i < reserved; i++ {
				setBit(ibitmap, int(i))
			}
		}
		freeInodesInGroup := p.inodesPerGroup - reserved

		itable := make([][]byte, itbPerGroup)
		for i := range itable {
			itable[i] = make([]byte, blockSize)
		}

		usedDirs := uint32(0)
		if g == 0 {
			// Populate the root directory's inode (number 2) and its
			// first data chunk.
			rootDataBlock := groupFirst + dataStartInGroup
			setBit(bbitmap, int(dataStartInGroup))
			freeBlocksInGroup--

			rootIno := uint32(DirRootIno)
			idx := rootIno - 1
			byteOff := idx * inodeSize
			blk := byteOff / blockSize
			off := byteOff % blockSize

			root := rawInode{
				Mode:       ModeDir | 0755,
				LinksCount: 2,
				Size:       blockSize,
				Blocks:     blockSize / sectorSize,
			}
			root.Block[0] = rootDataBlock
			root.encodeInto(itable[blk][off : off+inodeSize])

			chunk := make([]byte, blockSize)
			dotLen := dirRecLen(1)
			writeDirent(chunk, 0, rootIno, dotLen, 0, ".")
			writeDirent(chunk, int(dotLen), rootIno, uint16(blockSize)-dotLen, 0, "..")
			writeBlock(rootDataBlock, chunk)

			usedDirs = 1
		}

		desc := rawGroupDesc{
			BlockBitmap:     bbitmapBlock,
			InodeBitmap:     ibitmapBlock,
			InodeTable:      itableBlock,
			FreeBlocksCount: uint16(freeBlocksInGroup),
			FreeInodesCount: uint16(freeInodesInGroup),
			UsedDirsCount:   uint16(usedDirs),
		}
		descBuf := make([]byte, rawGroupDescSize)
		desc.encodeInto(descBuf)
		writeBlock(2, padOrOverlayDesc(dev, g, descBuf)) // see below

		writeBlock(bbitmapBlock, bbitmap)
		writeBlock(ibitmapBlock, ibitmap)
		for i, blk := range itable {
			writeBlock(itableBlock+uint32(i), blk)
		}

		totalFreeBlocks += freeBlocksInGroup
		totalFreeInodes += freeInodesInGroup
	}

	sb.FreeBlocksCount = totalFreeBlocks
	sb.FreeInodesCount = totalFreeInodes

	sbBlock := make([]byte, blockSize)
	copy(sbBlock, sb.encode())
	writeBlock(1, sbBlock)

	return dev
}

// padOrOverlayDesc accumulates group descriptors for block 2 (the sole
// descriptor block these small fixtures ever need) across groups, since
// buildFixtureDevice writes group by group but all descriptors share one
// block.
func padOrOverlayDesc(dev *block.MemDevice, g uint32, descBuf []byte) []byte {
	const blockSize = 1024
	existing := make([]byte, blockSize)
	_ = dev.ReadAt(existing, 2*blockSize) // zeroed until first write
	off := int(g) * rawGroupDescSize
	copy(existing[off:off+rawGroupDescSize], descBuf)
	return existing
}

func setBit(data []byte, bit int) {
	data[bit/8] |= 1 << uint(bit%8)
}

// mustMount mounts dev, failing the test on error.
func mustMount(t *testing.T, dev block.Device, writable bool) *FileSystem {
	t.Helper()
	fs, err := Mount(dev, "", writable)
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	return fs
}
