package fsadapter

import (
	"errors"
	"syscall"
	"testing"

	"github.com/kvfs/tifs/txn"
)

func TestToErrnoMapsKinds(t *testing.T) {
	cases := []struct {
		kind txn.Kind
		want syscall.Errno
	}{
		{txn.KindNotFound, syscall.ENOENT},
		{txn.KindAlreadyExists, syscall.EEXIST},
		{txn.KindDirNotEmpty, syscall.ENOTEMPTY},
		{txn.KindInvalid, syscall.EINVAL},
		{txn.KindBackend, syscall.EIO},
		{txn.KindCodec, syscall.EIO},
	}
	for _, c := range cases {
		err := &txn.FsError{Kind: c.kind, Op: "test"}
		if got := toErrno(err); got != c.want {
			t.Errorf("kind %v: got %v want %v", c.kind, got, c.want)
		}
	}
}

func TestToErrnoNilIsOK(t *testing.T) {
	if got := toErrno(nil); got != 0 {
		t.Errorf("expected OK(0) for nil error, got %v", got)
	}
}

func TestToErrnoNonFsErrorIsEIO(t *testing.T) {
	if got := toErrno(errors.New("boom")); got != syscall.EIO {
		t.Errorf("expected EIO for an opaque error, got %v", got)
	}
}
