package fsadapter

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/kvfs/tifs/kv"
	"github.com/kvfs/tifs/txn"
)

// dirStream adapts the synthetic-entries-included slice Txn.Readdir returns
// into go-fuse's pull-based fs.DirStream interface.
type dirStream struct {
	entries []kv.DirEntry
	pos     int
}

func newDirStream(r *Root, ino uint64, offset int64) (*dirStream, syscall.Errno) {
	entries, err := spinValue(r, func(tx *txn.Txn) ([]kv.DirEntry, error) {
		return tx.Readdir(ino, offset)
	})
	if err != nil {
		return nil, toErrno(err)
	}
	return &dirStream{entries: entries}, fuse.OK
}

func (d *dirStream) HasNext() bool {
	return d.pos < len(d.entries)
}

func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.pos]
	d.pos++
	return fuse.DirEntry{
		Mode: modeFromKind(e.Kind),
		Name: e.Name,
		Ino:  e.Ino,
	}, fuse.OK
}

func (d *dirStream) Close() {}

func modeFromKind(kind kv.Kind) uint32 {
	return txn.MakeMode(kind, 0)
}
