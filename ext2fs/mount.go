package ext2fs

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"ext2lite/block"
)

// Superblock is the decoded, host-endian view of the on-disk superblock
// plus the derived values spec §4.1 says are cached at mount time.
type Superblock struct {
	raw *rawSuperblock

	BlockSize      uint32
	InodeSize      uint32
	InodesPerBlock uint32
	ItbPerGroup    uint32
	DescPerBlock   uint32
	GroupsCount    uint32
	GdbCount       uint32
	MaxFileSize    uint64

	UUID uuid.UUID
}

// State returns the current on-disk state flags (VALID_FS / ERROR_FS).
func (sb *Superblock) State() uint16 { return sb.raw.State }

// Options are the parsed mount options of spec §4.1's grammar:
// a comma-separated list of errors=continue|panic|remount-ro and debug.
type Options struct {
	ErrorPolicy int
	Debug       bool
}

// ParseOptions parses the mount-option grammar. Setting any errors=
// choice clears any earlier one; unknown options are a bad-mount-option
// error (spec §7 taxonomy: invalid input).
func ParseOptions(s string) (Options, error) {
	opts := Options{ErrorPolicy: ErrorsContinue}
	if s == "" {
		return opts, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
			continue
		case tok == "debug":
			opts.Debug = true
		case strings.HasPrefix(tok, "errors="):
			switch strings.TrimPrefix(tok, "errors=") {
			case "continue":
				opts.ErrorPolicy = ErrorsContinue
			case "panic":
				opts.ErrorPolicy = ErrorsPanic
			case "remount-ro":
				opts.ErrorPolicy = ErrorsRO
			default:
				return Options{}, fmt.Errorf("%w: unrecognized errors= value in %q", ErrInvalid, tok)
			}
		default:
			return Options{}, fmt.Errorf("%w: unrecognized mount option %q", ErrInvalid, tok)
		}
	}
	return opts, nil
}

// ShowOptions renders opts back into the mount-option grammar, the way
// the superblock op of the same name reports the effective mount state.
func (o Options) ShowOptions() string {
	var parts []string
	switch o.ErrorPolicy {
	case ErrorsPanic:
		parts = append(parts, "errors=panic")
	case ErrorsRO:
		parts = append(parts, "errors=remount-ro")
	default:
		parts = append(parts, "errors=continue")
	}
	if o.Debug {
		parts = append(parts, "debug")
	}
	return strings.Join(parts, ",")
}

// FileSystem is the mounted-filesystem state of spec §3.2: the cached
// superblock, pinned group descriptors, per-group locks, approximate
// counters, mount options and state.
type FileSystem struct {
	dev   block.Device
	cache *block.Cache

	sbBuf   *block.Buffer // pinned superblock block
	sbBlock uint32
	sb      Superblock

	smu sync.Mutex // guards sb.raw.State / small superblock fields

	groups []*group

	freeBlocks *approxCounter
	freeInodes *approxCounter
	dirsCount  *approxCounter

	opts        Options
	errorPolicy int
	readOnly    bool

	icache   map[uint32]*Inode
	icacheMu sync.Mutex
	iflight  singleflight.Group
}

// Mount reads and validates the superblock and group-descriptor table on
// dev, pins them, and returns a ready-to-use FileSystem. See spec §4.1.
func Mount(dev block.Device, optString string, writable bool) (*FileSystem, error) {
	opts, err := ParseOptions(optString)
	if err != nil {
		return nil, err
	}

	// Probe with the device's minimum addressable unit first, then
	// re-probe using the declared block size if it differs (spec §4.1).
	probeBlockSize := uint32(sectorSize)
	raw, err := readRawSuperblock(dev, probeBlockSize)
	if err != nil {
		return nil, err
	}
	if raw.Magic != SuperMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorrupt, raw.Magic)
	}
	declaredBlockSize := uint32(1024) << raw.LogBlockSize
	if declaredBlockSize != probeBlockSize {
		raw, err = readRawSuperblock(dev, declaredBlockSize)
		if err != nil {
			return nil, err
		}
		if raw.Magic != SuperMagic {
			return nil, fmt.Errorf("%w: bad magic %#x after re-probe", ErrCorrupt, raw.Magic)
		}
	}

	if raw.RevLevel > MaxRevision {
		return nil, fmt.Errorf("%w: revision %d beyond supported max %d", ErrUnsupported, raw.RevLevel, MaxRevision)
	}
	if raw.FeatureCompat != 0 || raw.FeatureIncompat != 0 || raw.FeatureROCompat != 0 {
		return nil, fmt.Errorf("%w: feature bits set (compat=%#x incompat=%#x ro_compat=%#x)",
			ErrUnsupported, raw.FeatureCompat, raw.FeatureIncompat, raw.FeatureROCompat)
	}

	blockSize := declaredBlockSize
	cache := block.NewCache(dev, int(blockSize), 4096)

	sb := Superblock{
		raw:            raw,
		BlockSize:      blockSize,
		InodeSize:      uint32(raw.InodeSize),
		InodesPerBlock: blockSize / uint32(raw.InodeSize),
		UUID:           uuid.UUID(raw.UUID),
	}
	sb.ItbPerGroup = raw.InodesPerGroup / sb.InodesPerBlock
	sb.DescPerBlock = blockSize / rawGroupDescSize
	numGroupBlocks := raw.BlocksCount - raw.FirstDataBlock
	sb.GroupsCount = ceilDiv(numGroupBlocks, raw.BlocksPerGroup)
	sb.GdbCount = ceilDiv(sb.GroupsCount, sb.DescPerBlock)
	sb.MaxFileSize = uint64(NDirBlocks) * uint64(blockSize)

	sbBlockNum := uint32(0)
	if blockSize == 1024 {
		sbBlockNum = 1
	}
	sbBuf, err := cache.Get(sbBlockNum)
	if err != nil {
		return nil, ioError("Mount", err)
	}

	fs := &FileSystem{
		dev:         dev,
		cache:       cache,
		sbBuf:       sbBuf,
		sbBlock:     sbBlockNum,
		sb:          sb,
		opts:        opts,
		errorPolicy: opts.ErrorPolicy,
		readOnly:    !writable,
		icache:      make(map[uint32]*Inode),
	}

	if err := fs.loadGroupDescriptors(); err != nil {
		return nil, err
	}

	fs.freeBlocks = newApproxCounter(int64(raw.FreeBlocksCount))
	fs.freeInodes = newApproxCounter(int64(raw.FreeInodesCount))
	var usedDirs int64
	for _, g := range fs.groups {
		usedDirs += int64(g.desc.UsedDirsCount)
	}
	fs.dirsCount = newApproxCounter(usedDirs)

	if raw.State&ErrorFS != 0 {
		fs.log().Warn("mounting filesystem that was marked with ERROR_FS")
	}

	if writable {
		fs.smu.Lock()
		fs.sb.raw.State &^= ValidFS
		fs.sb.raw.MntCount++
		fs.sb.raw.Wtime = uint32(time.Now().Unix())
		fs.smu.Unlock()
		if err := fs.writeSuperblock(false); err != nil {
			return nil, err
		}
	}

	fs.log().WithField("groups", sb.GroupsCount).WithField("blocksize", blockSize).
		Info("mounted ext2lite filesystem")
	return fs, nil
}

func readRawSuperblock(dev block.Device, blockSize uint32) (*rawSuperblock, error) {
	buf := make([]byte, rawSuperblockSize)
	// SuperblockOffset is fixed regardless of block size, but reading via
	// the raw device (not yet through a cache sized for blockSize) keeps
	// this probe independent of the cache's own block-size assumption.
	if err := dev.ReadAt(buf, SuperblockOffset); err != nil {
		return nil, ioError("readRawSuperblock", err)
	}
	return decodeSuperblock(buf), nil
}

// loadGroupDescriptors pins every group descriptor block and validates,
// in parallel via errgroup (one of this repository's real third-party
// dependencies), that each group's bitmap/inode-table blocks fall within
// that group's own range.
func (fs *FileSystem) loadGroupDescriptors() error {
	gdtStart := fs.sbBlock + 1
	fs.groups = make([]*group, fs.sb.GroupsCount)

	for b := uint32(0); b < fs.sb.GdbCount; b++ {
		buf, err := fs.cache.Get(gdtStart + b)
		if err != nil {
			return ioError("loadGroupDescriptors", err)
		}
		for slot := uint32(0); slot < fs.sb.DescPerBlock; slot++ {
			g := b*fs.sb.DescPerBlock + slot
			if g >= fs.sb.GroupsCount {
				break
			}
			off := int(slot) * rawGroupDescSize
			gr := &group{
				descBuf:    buf,
				descOffset: off,
				desc:       decodeGroupDesc(buf.Data[off : off+rawGroupDescSize]),
				firstBlock: fs.sb.raw.FirstDataBlock + g*fs.sb.raw.BlocksPerGroup,
			}
			gr.numBlocks = fs.sb.raw.BlocksPerGroup
			if g == fs.sb.GroupsCount-1 {
				total := fs.sb.raw.BlocksCount - fs.sb.raw.FirstDataBlock
				gr.numBlocks = total - g*fs.sb.raw.BlocksPerGroup
			}
			fs.groups[g] = gr
		}
	}

	var eg errgroup.Group
	for g := uint32(0); g < fs.sb.GroupsCount; g++ {
		g := g
		eg.Go(func() error { return fs.validateGroupRange(g) })
	}
	return eg.Wait()
}

// validateGroupRange checks that a group's bitmap and inode-table blocks
// lie within the group's own block range (spec §4.1).
func (fs *FileSystem) validateGroupRange(g uint32) error {
	gr := fs.groups[g]
	lo, hi := gr.firstBlock, gr.firstBlock+gr.numBlocks
	itbBlocks := fs.sb.ItbPerGroup
	for _, b := range []uint32{gr.desc.BlockBitmap, gr.desc.InodeBitmap} {
		if b < lo || b >= hi {
			return fs.corrupt("validateGroupRange", "group %d metadata block %d outside range [%d,%d)", g, b, lo, hi)
		}
	}
	if gr.desc.InodeTable < lo || gr.desc.InodeTable+itbBlocks > hi {
		return fs.corrupt("validateGroupRange", "group %d inode table [%d,%d) outside range [%d,%d)",
			g, gr.desc.InodeTable, gr.desc.InodeTable+itbBlocks, lo, hi)
	}
	return nil
}

// writeSuperblock encodes the superblock and marks it dirty; on sync it
// retries exactly once on a write failure by re-marking dirty and
// retrying, per spec §4.1's superblock write-back retry rule.
func (fs *FileSystem) writeSuperblock(syncNow bool) error {
	fs.smu.Lock()
	fs.sb.raw.FreeBlocksCount = uint32(fs.freeBlocksHint())
	fs.sb.raw.FreeInodesCount = uint32(fs.freeInodesHint())
	off := SuperblockOffset % int(fs.sb.BlockSize)
	copy(fs.sbBuf.Data[off:], fs.sb.raw.encode())
	fs.smu.Unlock()

	fs.cache.MarkDirty(fs.sbBuf)
	if !syncNow {
		return nil
	}
	if err := fs.cache.Sync(); err != nil {
		// Retry exactly once: re-mark dirty and re-attempt the write.
		fs.cache.MarkDirty(fs.sbBuf)
		if err2 := fs.cache.Sync(); err2 != nil {
			return ioError("writeSuperblock", err2)
		}
	}
	return nil
}

func (fs *FileSystem) freeBlocksHint() int64 {
	if fs.freeBlocks == nil {
		return int64(fs.sb.raw.FreeBlocksCount)
	}
	return fs.freeBlocks.Sum()
}

func (fs *FileSystem) freeInodesHint() int64 {
	if fs.freeInodes == nil {
		return int64(fs.sb.raw.FreeInodesCount)
	}
	return fs.freeInodes.Sum()
}

// Sync flushes every dirty buffer to the device (sync_fs).
func (fs *FileSystem) Sync() error {
	if err := fs.writeSuperblock(false); err != nil {
		return err
	}
	if err := fs.cache.Sync(); err != nil {
		return ioError("Sync", err)
	}
	return nil
}

// Unmount restores VALID_FS (if mounted writable) and flushes everything.
func (fs *FileSystem) Unmount() error {
	if !fs.readOnly {
		fs.smu.Lock()
		fs.sb.raw.State |= ValidFS
		fs.smu.Unlock()
		if err := fs.writeSuperblock(true); err != nil {
			return err
		}
	}
	if err := fs.cache.Sync(); err != nil {
		return ioError("Unmount", err)
	}
	fs.log().Info("unmounted ext2lite filesystem")
	return nil
}

// Remount re-applies mount options (remount_fs); writability transitions
// are honored but the filesystem is not re-read from disk.
func (fs *FileSystem) Remount(optString string, writable bool) error {
	opts, err := ParseOptions(optString)
	if err != nil {
		return err
	}
	fs.smu.Lock()
	fs.opts = opts
	fs.errorPolicy = opts.ErrorPolicy
	if fs.sb.raw.State&ErrorFS != 0 {
		fs.log().Warn("remounting writable filesystem with ERROR_FS still set")
	}
	fs.readOnly = !writable
	fs.smu.Unlock()
	return nil
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
