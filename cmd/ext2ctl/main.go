// Command ext2ctl mounts an ext2-lite image file and runs a single
// filesystem operation against it, in the vein of e2fsprogs' debugfs but
// scriptable one subcommand at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"ext2lite/block"
	"ext2lite/ext2fs"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&infoCmd{}, "")
	subcommands.Register(&lsCmd{}, "")
	subcommands.Register(&mkdirCmd{}, "")
	subcommands.Register(&touchCmd{}, "")
	subcommands.Register(&catCmd{}, "")
	subcommands.Register(&writeCmd{}, "")
	subcommands.Register(&rmCmd{}, "")
	subcommands.Register(&rmdirCmd{}, "")
	subcommands.Register(&mvCmd{}, "")
	subcommands.Register(&lnCmd{}, "")
	subcommands.Register(&symlinkCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

func fatalf(format string, args ...interface{}) {
	logrus.Errorf(format, args...)
	os.Exit(1)
}

// openFS mounts the image at imagePath, opening the underlying device
// read-write unless writable is false.
func openFS(imagePath string, writable bool) (*ext2fs.FileSystem, *block.FileDevice, error) {
	dev, err := block.OpenFileDevice(imagePath, writable)
	if err != nil {
		return nil, nil, fmt.Errorf("opening image %s: %w", imagePath, err)
	}
	fs, err := ext2fs.Mount(dev, "", writable)
	if err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("mounting %s: %w", imagePath, err)
	}
	return fs, dev, nil
}

func closeFS(fs *ext2fs.FileSystem, dev *block.FileDevice) {
	if err := fs.Unmount(); err != nil {
		logrus.WithError(err).Warn("unmount failed")
	}
	dev.Close()
}

// resolve walks p (an absolute slash-separated path) from the root
// directory, returning the resolved inode. Every intermediate inode
// obtained along the way is released before returning.
func resolve(fs *ext2fs.FileSystem, p string) (*ext2fs.Inode, error) {
	cur, err := fs.Iget(ext2fs.DirRootIno)
	if err != nil {
		return nil, err
	}
	for _, comp := range splitPath(p) {
		next, err := fs.Lookup(cur, comp)
		cur.Put()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", comp, err)
		}
		cur = next
	}
	return cur, nil
}

// resolveParent walks the directory portion of p and returns it alongside
// the final path component's base name.
func resolveParent(fs *ext2fs.FileSystem, p string) (*ext2fs.Inode, string, error) {
	dir, base := path.Split(strings.TrimSuffix(p, "/"))
	parent, err := resolve(fs, dir)
	if err != nil {
		return nil, "", err
	}
	if base == "" {
		parent.Put()
		return nil, "", fmt.Errorf("%q has no final path component", p)
	}
	return parent, base, nil
}

func splitPath(p string) []string {
	var out []string
	for _, c := range strings.Split(p, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// --- info ---

type infoCmd struct{}

func (*infoCmd) Name() string             { return "info" }
func (*infoCmd) Synopsis() string         { return "print superblock and free-space summary" }
func (*infoCmd) Usage() string            { return "info <image>\n" }
func (*infoCmd) SetFlags(f *flag.FlagSet) {}

func (c *infoCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), false)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	st := fs.Statfs()
	fmt.Printf("block size:    %d\n", st.BlockSize)
	fmt.Printf("total blocks:  %d\n", st.TotalBlocks)
	fmt.Printf("free blocks:   %d\n", st.FreeBlocks)
	fmt.Printf("total inodes:  %d\n", st.TotalInodes)
	fmt.Printf("free inodes:   %d\n", st.FreeInodes)
	fmt.Printf("max name len:  %d\n", st.NameLen)
	fmt.Printf("fsid:          %08x%08x\n", st.FsidHi, st.FsidLo)
	return subcommands.ExitSuccess
}

// --- ls ---

type lsCmd struct{}

func (*lsCmd) Name() string             { return "ls" }
func (*lsCmd) Synopsis() string         { return "list a directory's entries" }
func (*lsCmd) Usage() string            { return "ls <image> <path>\n" }
func (*lsCmd) SetFlags(f *flag.FlagSet) {}

func (c *lsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), false)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	dir, err := resolve(fs, f.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	defer dir.Put()
	if !dir.IsDirectory() {
		fatalf("%s: not a directory", f.Arg(1))
	}

	_, err = fs.Readdir(dir, 0, dir.Version(), func(name string, ino uint32, _ int64) bool {
		fmt.Printf("%8d  %s\n", ino, name)
		return true
	})
	if err != nil {
		fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// --- mkdir ---

type mkdirCmd struct{ mode uint }

func (*mkdirCmd) Name() string     { return "mkdir" }
func (*mkdirCmd) Synopsis() string { return "create a directory" }
func (*mkdirCmd) Usage() string    { return "mkdir <image> <path>\n" }
func (c *mkdirCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.mode, "mode", 0755, "permission bits for the new directory")
}

func (c *mkdirCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), true)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	parent, base, err := resolveParent(fs, f.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	defer parent.Put()

	ip, err := fs.Mkdir(parent, base, uint16(c.mode))
	if err != nil {
		fatalf("%v", err)
	}
	ip.Put()
	return subcommands.ExitSuccess
}

// --- touch ---

type touchCmd struct{ mode uint }

func (*touchCmd) Name() string     { return "touch" }
func (*touchCmd) Synopsis() string { return "create an empty regular file" }
func (*touchCmd) Usage() string    { return "touch <image> <path>\n" }
func (c *touchCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.mode, "mode", 0644, "permission bits for the new file")
}

func (c *touchCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), true)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	parent, base, err := resolveParent(fs, f.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	defer parent.Put()

	ip, err := fs.Create(parent, base, uint16(c.mode))
	if err != nil {
		fatalf("%v", err)
	}
	ip.Put()
	return subcommands.ExitSuccess
}

// --- cat ---

type catCmd struct{}

func (*catCmd) Name() string             { return "cat" }
func (*catCmd) Synopsis() string         { return "print a regular file's contents" }
func (*catCmd) Usage() string            { return "cat <image> <path>\n" }
func (*catCmd) SetFlags(f *flag.FlagSet) {}

func (c *catCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), false)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	ip, err := resolve(fs, f.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	defer ip.Put()
	if !ip.IsRegular() {
		fatalf("%s: not a regular file", f.Arg(1))
	}

	buf := make([]byte, ip.Size())
	n, err := ip.ReadAt(buf, 0)
	if err != nil && n == 0 && err != io.EOF {
		fatalf("%v", err)
	}
	os.Stdout.Write(buf[:n])
	return subcommands.ExitSuccess
}

// --- write ---

type writeCmd struct{}

func (*writeCmd) Name() string             { return "write" }
func (*writeCmd) Synopsis() string         { return "write stdin to a regular file, creating it if needed" }
func (*writeCmd) Usage() string            { return "write <image> <path>\n" }
func (*writeCmd) SetFlags(f *flag.FlagSet) {}

func (c *writeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), true)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	ip, err := resolve(fs, f.Arg(1))
	if err != nil {
		parent, base, perr := resolveParent(fs, f.Arg(1))
		if perr != nil {
			fatalf("%v", err)
		}
		ip, err = fs.Create(parent, base, 0644)
		parent.Put()
		if err != nil {
			fatalf("%v", err)
		}
	}
	defer ip.Put()

	data, err := readAllStdin()
	if err != nil {
		fatalf("%v", err)
	}
	if err := ip.TruncateBlocks(0); err != nil {
		fatalf("%v", err)
	}
	if _, err := ip.WriteAt(data, 0); err != nil {
		fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func readAllStdin() ([]byte, error) {
	var out []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
	}
}

// --- rm ---

type rmCmd struct{}

func (*rmCmd) Name() string             { return "rm" }
func (*rmCmd) Synopsis() string         { return "unlink a file" }
func (*rmCmd) Usage() string            { return "rm <image> <path>\n" }
func (*rmCmd) SetFlags(f *flag.FlagSet) {}

func (c *rmCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), true)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	parent, base, err := resolveParent(fs, f.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	defer parent.Put()

	if err := fs.Unlink(parent, base); err != nil {
		fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// --- rmdir ---

type rmdirCmd struct{}

func (*rmdirCmd) Name() string             { return "rmdir" }
func (*rmdirCmd) Synopsis() string         { return "remove an empty directory" }
func (*rmdirCmd) Usage() string            { return "rmdir <image> <path>\n" }
func (*rmdirCmd) SetFlags(f *flag.FlagSet) {}

func (c *rmdirCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), true)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	parent, base, err := resolveParent(fs, f.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	defer parent.Put()

	if err := fs.Rmdir(parent, base); err != nil {
		fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// --- mv ---

type mvCmd struct {
	noReplace bool
}

func (*mvCmd) Name() string     { return "mv" }
func (*mvCmd) Synopsis() string { return "rename a file or directory" }
func (*mvCmd) Usage() string    { return "mv <image> <src> <dst>\n" }
func (c *mvCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.noReplace, "noreplace", false, "fail instead of overwriting an existing destination")
}

func (c *mvCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), true)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	srcParent, srcBase, err := resolveParent(fs, f.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	defer srcParent.Put()
	dstParent, dstBase, err := resolveParent(fs, f.Arg(2))
	if err != nil {
		fatalf("%v", err)
	}
	defer dstParent.Put()

	var flags uint32
	if c.noReplace {
		flags = ext2fs.RenameNoReplace
	}
	if err := fs.Rename(srcParent, srcBase, dstParent, dstBase, flags); err != nil {
		fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// --- ln ---

type lnCmd struct{}

func (*lnCmd) Name() string             { return "ln" }
func (*lnCmd) Synopsis() string         { return "create a hard link" }
func (*lnCmd) Usage() string            { return "ln <image> <target> <linkpath>\n" }
func (*lnCmd) SetFlags(f *flag.FlagSet) {}

func (c *lnCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), true)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	target, err := resolve(fs, f.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	defer target.Put()

	parent, base, err := resolveParent(fs, f.Arg(2))
	if err != nil {
		fatalf("%v", err)
	}
	defer parent.Put()

	if err := fs.Link(parent, base, target); err != nil {
		fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// --- symlink ---

type symlinkCmd struct{}

func (*symlinkCmd) Name() string             { return "symlink" }
func (*symlinkCmd) Synopsis() string         { return "create a symbolic link" }
func (*symlinkCmd) Usage() string            { return "symlink <image> <target-text> <linkpath>\n" }
func (*symlinkCmd) SetFlags(f *flag.FlagSet) {}

func (c *symlinkCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, dev, err := openFS(f.Arg(0), true)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeFS(fs, dev)

	parent, base, err := resolveParent(fs, f.Arg(2))
	if err != nil {
		fatalf("%v", err)
	}
	defer parent.Put()

	ip, err := fs.Symlink(parent, base, f.Arg(1))
	if err != nil {
		fatalf("%v", err)
	}
	ip.Put()
	return subcommands.ExitSuccess
}
