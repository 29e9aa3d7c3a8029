package ext2fs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddLinkFindEntryDeleteEntry(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	require.NoError(t, fs.AddLink(root, "hello", 11, 1))
	ino, err := fs.InodeByName(root, "hello")
	require.NoError(t, err)
	require.Equal(t, uint32(11), ino)

	require.NoError(t, fs.DeleteEntry(root, "hello"))
	_, err = fs.InodeByName(root, "hello")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddLinkRejectsCollision(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	require.NoError(t, fs.AddLink(root, "dup", 11, 1))
	require.ErrorIs(t, fs.AddLink(root, "dup", 12, 1), ErrExist)
}

func TestDirectoryGrowsByWholeChunks(t *testing.T) {
	p := fixtureParams{blocksPerGroup: 4096, inodesPerGroup: 1024, groups: 1}
	dev := buildFixtureDevice(t, p)
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	const n = 200
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file%03d", i)
		require.NoError(t, fs.AddLink(root, name, uint32(100+i), 1))
	}
	require.True(t, root.Size()%uint32(fs.chunkSize()) == 0, "directory size must always be a whole number of chunks")
	require.True(t, fs.numChunks(root) > 1, "200 short names must overflow the first chunk")

	seen := map[string]uint32{}
	var pos int64
	version := root.Version()
	for {
		var emitted bool
		pos, err = fs.Readdir(root, pos, version, func(name string, ino uint32, offset int64) bool {
			seen[name] = ino
			emitted = true
			return true
		})
		require.NoError(t, err)
		if !emitted || pos >= int64(root.Size()) {
			break
		}
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file%03d", i)
		require.Equal(t, uint32(100+i), seen[name])
	}
}

func TestEmptyDir(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	empty, err := fs.EmptyDir(root)
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, fs.AddLink(root, "child", 11, 2))
	empty, err = fs.EmptyDir(root)
	require.NoError(t, err)
	require.False(t, empty)
}
