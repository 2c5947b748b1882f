package fsadapter

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/kvfs/tifs/txn"
)

// toErrno maps an FsError.Kind to the syscall.Errno the kernel expects
// (spec.md §7). Conflict never reaches here: Root.spin consumes it itself.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return fuse.OK
	}
	fe, ok := err.(*txn.FsError)
	if !ok {
		return syscall.EIO
	}
	switch fe.Kind {
	case txn.KindNotFound:
		return syscall.ENOENT
	case txn.KindAlreadyExists:
		return syscall.EEXIST
	case txn.KindDirNotEmpty:
		return syscall.ENOTEMPTY
	case txn.KindInvalid:
		return syscall.EINVAL
	case txn.KindBackend, txn.KindCodec:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
