package kv

import (
	"reflect"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestMetaRoundTrip(t *testing.T) {
	in := Meta{BlockSize: 65536, InodeNext: 42}
	out, err := DecodeMeta(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("round trip mismatch: %s", pretty.Compare(in, out))
	}
}

func TestInodeRoundTrip(t *testing.T) {
	cases := []Inode{
		{Ino: 2, Kind: KindRegular, Perm: 0o644, Uid: 1000, Gid: 1000, Size: 5,
			Nlink: 1, Atime: 1, Mtime: 2, Ctime: 3, Crtime: 4, NextFh: 1, OpenedFh: 0,
			HasInline: true, Inline: []byte("hello")},
		{Ino: 3, Kind: KindDirectory, Perm: 0o755, Nlink: 2},
		{Ino: 4, Kind: KindSymlink, Nlink: 1,
			Lock: LockState{Type: LockShared, OwnerSet: []uint64{5, 9, 100}}},
		{Ino: 5, Kind: KindCharDevice, Rdev: 1234, Flags: 7},
	}
	for _, in := range cases {
		out, err := DecodeInode(in.Encode())
		if err != nil {
			t.Fatalf("ino %d: %v", in.Ino, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("ino %d round trip mismatch: %s", in.Ino, pretty.Compare(in, out))
		}
	}
}

func TestInodeInlineAbsent(t *testing.T) {
	in := Inode{Ino: 9, Kind: KindRegular}
	out, err := DecodeInode(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.HasInline || out.Inline != nil {
		t.Errorf("expected no inline data, got %+v", out)
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	in := Directory{
		{Ino: 2, Name: "a", Kind: KindRegular},
		{Ino: 3, Name: "b", Kind: KindDirectory},
	}
	out, err := DecodeDirectory(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("mismatch: %s", pretty.Compare(in, out))
	}
}

func TestDirectoryEmptyRoundTrip(t *testing.T) {
	in := Directory{}
	out, err := DecodeDirectory(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty directory, got %+v", out)
	}
}

func TestIndexValueRoundTrip(t *testing.T) {
	in := IndexValue{Ino: 77}
	out, err := DecodeIndexValue(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("mismatch: got %+v want %+v", out, in)
	}
}

func TestHandleRoundTrip(t *testing.T) {
	in := Handle{Cursor: 123456}
	out, err := DecodeHandle(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("mismatch: got %+v want %+v", out, in)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	buf := Meta{BlockSize: 1, InodeNext: 1}.Encode()
	buf[0] = 99
	if _, err := DecodeMeta(buf); err == nil {
		t.Fatal("expected error for unsupported version byte")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	buf := Meta{BlockSize: 1, InodeNext: 1}.Encode()
	if _, err := DecodeMeta(buf[:len(buf)-2]); err == nil {
		t.Fatal("expected error for truncated buffer")
	}
}

func TestLockStateAddRemove(t *testing.T) {
	var l LockState
	l.Add(5)
	l.Add(1)
	l.Add(5)
	if !reflect.DeepEqual(l.OwnerSet, []uint64{1, 5}) {
		t.Errorf("expected sorted deduped set, got %v", l.OwnerSet)
	}
	l.Type = LockShared
	l.Remove(1)
	l.Remove(5)
	if l.Type != LockUnlocked {
		t.Errorf("expected unlocked once owner set empties, got %v", l.Type)
	}
}
