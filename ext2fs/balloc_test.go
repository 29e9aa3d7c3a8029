package ext2fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBlocksAllocatesContiguousRun(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	before := fs.freeBlocks.Sum()
	first, count, err := fs.NewBlocks(root, 4)
	require.NoError(t, err)
	require.True(t, count >= 1 && count <= 4)
	require.True(t, first > 0)
	require.Equal(t, before-int64(count), fs.freeBlocks.Sum())
}

func TestFreeBlocksRoundTrip(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	before := fs.freeBlocks.Sum()
	first, count, err := fs.NewBlocks(root, 1)
	require.NoError(t, err)
	require.Equal(t, before-int64(count), fs.freeBlocks.Sum())

	require.NoError(t, fs.FreeBlocks(root, first, count))
	require.Equal(t, before, fs.freeBlocks.Sum())
}

func TestFreeBlocksRejectsDoubleFree(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	first, count, err := fs.NewBlocks(root, 1)
	require.NoError(t, err)
	require.NoError(t, fs.FreeBlocks(root, first, count))
	require.ErrorIs(t, fs.FreeBlocks(root, first, count), ErrCorrupt)
}

func TestNewBlocksExhaustion(t *testing.T) {
	p := fixtureParams{blocksPerGroup: 32, inodesPerGroup: 32, groups: 1}
	dev := buildFixtureDevice(t, p)
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	allocated := 0
	for {
		_, count, err := fs.NewBlocks(root, 1)
		if err == ErrNoSpace {
			break
		}
		require.NoError(t, err)
		allocated += count
		if allocated > 1000 {
			t.Fatal("allocator never reported exhaustion")
		}
	}
	require.Equal(t, int64(0), fs.freeBlocks.Sum())
}
