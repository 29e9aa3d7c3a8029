package ext2fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustLookup(t *testing.T, fs *FileSystem, dir *Inode, name string) *Inode {
	t.Helper()
	ip, err := fs.Lookup(dir, name)
	require.NoError(t, err)
	return ip
}

func TestCreateLookupUnlink(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	ip, err := fs.Create(root, "greeting.txt", 0644)
	require.NoError(t, err)
	require.Equal(t, uint16(1), ip.LinksCount())
	require.NoError(t, ip.Put())

	found := mustLookup(t, fs, root, "greeting.txt")
	require.Equal(t, ip.Ino(), found.Ino())
	require.NoError(t, found.Put())

	require.NoError(t, fs.Unlink(root, "greeting.txt"))
	_, err = fs.Lookup(root, "greeting.txt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLinkIncrementsLinkCount(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	ip, err := fs.Create(root, "a", 0644)
	require.NoError(t, err)

	require.NoError(t, fs.Link(root, "b", ip))
	require.Equal(t, uint16(2), ip.LinksCount())

	require.NoError(t, fs.Unlink(root, "a"))
	require.Equal(t, uint16(1), ip.LinksCount())
	require.NoError(t, ip.Put())
}

func TestLinkRefusesDirectories(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	sub, err := fs.Mkdir(root, "sub", 0755)
	require.NoError(t, err)
	defer sub.Put()

	require.ErrorIs(t, fs.Link(root, "sub2", sub), ErrInvalid)
}

func TestMkdirRmdir(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	sub, err := fs.Mkdir(root, "sub", 0755)
	require.NoError(t, err)
	require.Equal(t, uint16(2), sub.LinksCount())
	require.Equal(t, uint16(3), root.LinksCount())

	dotdot, err := fs.Dotdot(sub)
	require.NoError(t, err)
	require.Equal(t, root.Ino(), dotdot)

	require.NoError(t, sub.Put())
	require.NoError(t, fs.Rmdir(root, "sub"))
	require.Equal(t, uint16(2), root.LinksCount())

	_, err = fs.Lookup(root, "sub")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRmdirRefusesNonEmpty(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	sub, err := fs.Mkdir(root, "sub", 0755)
	require.NoError(t, err)

	inner, err := fs.Create(sub, "file", 0644)
	require.NoError(t, err)
	require.NoError(t, inner.Put())
	require.NoError(t, sub.Put())

	require.ErrorIs(t, fs.Rmdir(root, "sub"), ErrNotEmpty)

	subAgain, err := fs.Lookup(root, "sub")
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(subAgain, "file"))
	require.NoError(t, subAgain.Put())

	require.NoError(t, fs.Rmdir(root, "sub"))
	_, err = fs.Lookup(root, "sub")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSymlinkFastAndSlow(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	fast, err := fs.Symlink(root, "fastlink", "short/target")
	require.NoError(t, err)
	require.Equal(t, KindFastSymlink, fast.Kind())
	target, err := fast.ReadSymlink()
	require.NoError(t, err)
	require.Equal(t, "short/target", target)
	require.NoError(t, fast.Put())

	longTarget := ""
	for len(longTarget) < fastSymlinkCap+10 {
		longTarget += "a/"
	}
	slow, err := fs.Symlink(root, "slowlink", longTarget)
	require.NoError(t, err)
	require.Equal(t, KindSlowSymlink, slow.Kind())
	target2, err := slow.ReadSymlink()
	require.NoError(t, err)
	require.Equal(t, longTarget, target2)
	require.NoError(t, slow.Put())
}

func TestRenameAcrossDirectoriesRelinksDotdot(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	a, err := fs.Mkdir(root, "a", 0755)
	require.NoError(t, err)
	b, err := fs.Mkdir(root, "b", 0755)
	require.NoError(t, err)
	child, err := fs.Mkdir(a, "child", 0755)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(a, "child", b, "child", 0))

	_, err = fs.Lookup(a, "child")
	require.ErrorIs(t, err, ErrNotFound)
	moved, err := fs.Lookup(b, "child")
	require.NoError(t, err)
	require.Equal(t, child.Ino(), moved.Ino())

	dotdot, err := fs.Dotdot(child)
	require.NoError(t, err)
	require.Equal(t, b.Ino(), dotdot)

	require.NoError(t, child.Put())
	require.NoError(t, moved.Put())
	require.NoError(t, a.Put())
	require.NoError(t, b.Put())
}

func TestRenameOverwritesExistingTarget(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	a, err := fs.Mkdir(root, "a", 0755)
	require.NoError(t, err)
	b, err := fs.Mkdir(root, "b", 0755)
	require.NoError(t, err)
	taken, err := fs.Create(b, "taken", 0644)
	require.NoError(t, err)
	require.NoError(t, taken.Put())

	movable, err := fs.Create(a, "movable", 0644)
	require.NoError(t, err)
	require.NoError(t, movable.Put())

	freeInodesBefore := fs.freeInodes.Sum()

	// With no flags, renaming onto an existing name overwrites it rather
	// than failing with EEXIST.
	require.NoError(t, fs.Rename(a, "movable", b, "taken", 0))

	_, err = fs.Lookup(a, "movable")
	require.ErrorIs(t, err, ErrNotFound)
	landed, err := fs.Lookup(b, "taken")
	require.NoError(t, err)
	require.Equal(t, movable.Ino(), landed.Ino())
	require.NoError(t, landed.Put())

	// taken's original inode lost its only link and, once unreferenced, was
	// reclaimed entirely.
	require.Equal(t, freeInodesBefore+1, fs.freeInodes.Sum())

	require.NoError(t, a.Put())
	require.NoError(t, b.Put())
}

func TestRenameNoReplaceRejectsCollision(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	taken, err := fs.Create(root, "taken", 0644)
	require.NoError(t, err)
	require.NoError(t, taken.Put())
	movable, err := fs.Create(root, "movable", 0644)
	require.NoError(t, err)
	require.NoError(t, movable.Put())

	require.ErrorIs(t, fs.Rename(root, "movable", root, "taken", RenameNoReplace), ErrExist)
}

func TestRenameRejectsUnsupportedFlagsAndCycle(t *testing.T) {
	dev := buildFixtureDevice(t, defaultFixtureParams())
	fs := mustMount(t, dev, true)
	defer fs.Unmount()

	root, err := fs.Iget(DirRootIno)
	require.NoError(t, err)
	defer root.Put()

	a, err := fs.Mkdir(root, "a", 0755)
	require.NoError(t, err)
	b, err := fs.Mkdir(root, "b", 0755)
	require.NoError(t, err)

	require.ErrorIs(t, fs.Rename(a, "a", b, "b", RenameExchange), ErrUnsupported)
	require.ErrorIs(t, fs.Rename(a, "a", b, "b", RenameWhiteout), ErrUnsupported)

	// Moving "a" into its own descendant "a/nested" must be rejected.
	nested, err := fs.Mkdir(a, "nested", 0755)
	require.NoError(t, err)
	require.ErrorIs(t, fs.Rename(root, "a", nested, "a", 0), ErrInvalid)

	require.NoError(t, nested.Put())
	require.NoError(t, a.Put())
	require.NoError(t, b.Put())
}
