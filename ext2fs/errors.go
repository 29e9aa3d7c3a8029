package ext2fs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Sentinel errors, named after the POSIX errno they stand in for, matching
// the taxonomy of spec §7. Callers compare with errors.Is; corruption and
// I/O errors are wrapped with call-site context via github.com/pkg/errors
// before being returned, so errors.Cause still recovers the sentinel.
var (
	ErrNoSpace    = errors.New("no space left on device")
	ErrCorrupt    = errors.New("filesystem structure violates an invariant")
	ErrNotFound   = errors.New("no such file or directory")
	ErrExist      = errors.New("file exists")
	ErrNotEmpty   = errors.New("directory not empty")
	ErrUnsupported = errors.New("unsupported filesystem feature")
	ErrInvalid    = errors.New("invalid argument")
	ErrNotDir     = errors.New("not a directory")
	ErrIsDir      = errors.New("is a directory")
	ErrNameTooLong = errors.New("name too long")
	ErrStale      = errors.New("stale inode reference")
)

// corrupt wraps ErrCorrupt with a diagnostic identifying the function and
// detail, and dispatches it through the configured error policy.
func (fs *FileSystem) corrupt(fn, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	err := pkgerrors.Wrapf(ErrCorrupt, "%s: %s", fn, msg)
	fs.log().WithField("fn", fn).Error(msg)
	fs.applyErrorPolicy(fn, msg)
	return err
}

// ioError wraps an underlying I/O failure from the block device/cache with
// call-site context.
func ioError(fn string, err error) error {
	return pkgerrors.Wrapf(err, "%s: device I/O", fn)
}

var pkgLog = logrus.New()

// log returns the field logger used for this mount's diagnostics, tagged
// with the volume so multi-image tooling (cmd/ext2ctl) can tell mounts
// apart in a shared log stream.
func (fs *FileSystem) log() *logrus.Entry {
	return pkgLog.WithField("uuid", fs.sb.UUID.String())
}

// applyErrorPolicy implements the continue/remount-ro/panic dispatch of
// spec §6.3 and §7 once a structural corruption has been detected and
// logged.
func (fs *FileSystem) applyErrorPolicy(fn, msg string) {
	fs.smu.Lock()
	defer fs.smu.Unlock()

	fs.sb.raw.State |= ErrorFS

	switch fs.errorPolicy {
	case ErrorsPanic:
		panic(fmt.Sprintf("ext2fs: %s: %s", fn, msg))
	case ErrorsRO:
		if !fs.readOnly {
			fs.log().Warn("remounting read-only after structural corruption")
			fs.readOnly = true
		}
	case ErrorsContinue:
		// Logged above; nothing else to do.
	}
}
