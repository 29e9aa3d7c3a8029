package ext2fs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// e2eContext bundles a mounted fixture filesystem and its root inode,
// following the harness-struct shape used elsewhere in the pack's own
// end-to-end suites.
type e2eContext struct {
	t    *testing.T
	fs   *FileSystem
	root *Inode
}

func newE2EContext(t *testing.T, p fixtureParams) *e2eContext {
	t.Helper()
	dev := buildFixtureDevice(t, p)
	fs := mustMount(t, dev, true)
	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	return &e2eContext{t: t, fs: fs, root: root}
}

func (c *e2eContext) close() {
	c.t.Helper()
	require.NoError(c.t, c.root.Put())
	require.NoError(c.t, c.fs.Unmount())
}

// Scenario 1: mkdir a directory, populate it, and read it back in the
// order entries were added.
func TestE2E_MkdirPopulateReaddir(t *testing.T) {
	c := newE2EContext(t, defaultFixtureParams())
	defer c.close()

	dir, err := c.fs.Mkdir(c.root, "photos", 0755)
	require.NoError(t, err)
	names := []string{"a.jpg", "b.jpg", "c.jpg"}
	for _, n := range names {
		ip, err := c.fs.Create(dir, n, 0644)
		require.NoError(t, err)
		require.NoError(t, ip.Put())
	}

	var got []string
	_, err = c.fs.Readdir(dir, 0, dir.Version(), func(name string, ino uint32, offset int64) bool {
		if name != "." && name != ".." {
			got = append(got, name)
		}
		return true
	})
	require.NoError(t, err)
	require.Equal(t, names, got)
	require.NoError(t, dir.Put())
}

// Scenario 2: unlinking a file recovers its data blocks.
func TestE2E_UnlinkRecoversSpace(t *testing.T) {
	c := newE2EContext(t, defaultFixtureParams())
	defer c.close()

	before := c.fs.freeBlocks.Sum()
	ip, err := c.fs.Create(c.root, "big.bin", 0644)
	require.NoError(t, err)
	_, err = ip.WriteAt(make([]byte, 3000), 0)
	require.NoError(t, err)
	require.NoError(t, ip.WriteInode(false))
	require.NoError(t, ip.Put())
	afterWrite := c.fs.freeBlocks.Sum()
	require.True(t, afterWrite < before)

	require.NoError(t, c.fs.Unlink(c.root, "big.bin"))
	require.Equal(t, before, c.fs.freeBlocks.Sum())
}

// Scenario 3: rename across directories relinks ".." and adjusts both
// parents' link counts.
func TestE2E_RenameAcrossDirectories(t *testing.T) {
	c := newE2EContext(t, defaultFixtureParams())
	defer c.close()

	src, err := c.fs.Mkdir(c.root, "src", 0755)
	require.NoError(t, err)
	dst, err := c.fs.Mkdir(c.root, "dst", 0755)
	require.NoError(t, err)
	moved, err := c.fs.Mkdir(src, "moveme", 0755)
	require.NoError(t, err)

	srcLinksBefore := src.LinksCount()
	dstLinksBefore := dst.LinksCount()

	require.NoError(t, c.fs.Rename(src, "moveme", dst, "moveme", 0))

	require.Equal(t, srcLinksBefore-1, src.LinksCount())
	require.Equal(t, dstLinksBefore+1, dst.LinksCount())

	dotdot, err := c.fs.Dotdot(moved)
	require.NoError(t, err)
	require.Equal(t, dst.Ino(), dotdot)

	require.NoError(t, moved.Put())
	require.NoError(t, src.Put())
	require.NoError(t, dst.Put())
}

// Scenario 4: rmdir refuses a non-empty directory.
func TestE2E_RmdirRefusesNonEmpty(t *testing.T) {
	c := newE2EContext(t, defaultFixtureParams())
	defer c.close()

	dir, err := c.fs.Mkdir(c.root, "nonempty", 0755)
	require.NoError(t, err)
	ip, err := c.fs.Create(dir, "occupant", 0644)
	require.NoError(t, err)
	require.NoError(t, ip.Put())
	require.NoError(t, dir.Put())

	require.ErrorIs(t, c.fs.Rmdir(c.root, "nonempty"), ErrNotEmpty)
}

// Scenario 5: exhaust free inodes, then recover one via unlink and reuse
// it via create.
func TestE2E_ExhaustAndRecoverInodes(t *testing.T) {
	c := newE2EContext(t, fixtureParams{blocksPerGroup: 1024, inodesPerGroup: 16, groups: 1})
	defer c.close()

	var created []string
	for {
		name := fmt.Sprintf("f%d", len(created))
		ip, err := c.fs.Create(c.root, name, 0644)
		if err == ErrNoSpace {
			break
		}
		require.NoError(t, err)
		require.NoError(t, ip.Put())
		created = append(created, name)
		if len(created) > 100 {
			t.Fatal("inode exhaustion never triggered")
		}
	}
	require.True(t, len(created) > 0)

	require.NoError(t, c.fs.Unlink(c.root, created[0]))
	_, err := c.fs.Create(c.root, "reused", 0644)
	require.NoError(t, err)
}

// Scenario 6: a directory grows across many whole chunks and a single
// readdir pass afterwards visits every entry.
func TestE2E_DirectoryGrowthAcrossChunks(t *testing.T) {
	c := newE2EContext(t, fixtureParams{blocksPerGroup: 4096, inodesPerGroup: 1024, groups: 1})
	defer c.close()

	dir, err := c.fs.Mkdir(c.root, "many", 0755)
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		ip, err := c.fs.Create(dir, fmt.Sprintf("entry-%03d", i), 0644)
		require.NoError(t, err)
		require.NoError(t, ip.Put())
	}
	require.True(t, dir.Size()%uint32(c.fs.chunkSize()) == 0)

	count := 0
	_, err = c.fs.Readdir(dir, 0, dir.Version(), func(name string, ino uint32, offset int64) bool {
		count++
		return true
	})
	require.NoError(t, err)
	require.Equal(t, n+2, count) // plus "." and ".."
	require.NoError(t, dir.Put())
}

// Scenario 7: symlink targets at or below the fast threshold are stored
// inline; targets above it get a data block.
func TestE2E_SymlinkFastSlowThreshold(t *testing.T) {
	c := newE2EContext(t, defaultFixtureParams())
	defer c.close()

	shortTarget := "relative/path"
	fast, err := c.fs.Symlink(c.root, "fast", shortTarget)
	require.NoError(t, err)
	require.Equal(t, KindFastSymlink, fast.Kind())
	require.Equal(t, uint32(0), rawInodeOf(fast).Blocks)

	// Exactly fastSymlinkCap bytes still fits inline.
	exactTarget := make([]byte, fastSymlinkCap)
	for i := range exactTarget {
		exactTarget[i] = 'x'
	}
	exact, err := c.fs.Symlink(c.root, "exact", string(exactTarget))
	require.NoError(t, err)
	require.Equal(t, KindFastSymlink, exact.Kind())
	require.Equal(t, uint32(0), rawInodeOf(exact).Blocks)

	longTarget := make([]byte, fastSymlinkCap+1)
	for i := range longTarget {
		longTarget[i] = 'x'
	}
	slow, err := c.fs.Symlink(c.root, "slow", string(longTarget))
	require.NoError(t, err)
	require.Equal(t, KindSlowSymlink, slow.Kind())
	require.True(t, rawInodeOf(slow).Blocks > 0)

	require.NoError(t, fast.Put())
	require.NoError(t, exact.Put())
	require.NoError(t, slow.Put())
}

func rawInodeOf(ip *Inode) rawInode {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.raw
}
