package kv

import "fmt"

// Kind enumerates the POSIX file types a persisted Inode can hold.
type Kind uint8

const (
	KindRegular Kind = iota + 1
	KindDirectory
	KindSymlink
	KindFifo
	KindSocket
	KindCharDevice
	KindBlockDevice
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindFifo:
		return "fifo"
	case KindSocket:
		return "socket"
	case KindCharDevice:
		return "char-device"
	case KindBlockDevice:
		return "block-device"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// LockType is the whole-file advisory lock state of an Inode (C8).
type LockType uint8

const (
	LockUnlocked LockType = iota
	LockShared
	LockExclusive
)

// LockState is an Inode's advisory lock: a type plus the set of owning
// lock-owner ids. Invariant: OwnerSet is non-empty iff Type != LockUnlocked.
type LockState struct {
	Type     LockType
	OwnerSet []uint64 // kept sorted ascending so Encode/Decode round-trips byte-for-byte
}

// Has reports whether owner currently holds this lock.
func (l LockState) Has(owner uint64) bool {
	for _, o := range l.OwnerSet {
		if o == owner {
			return true
		}
	}
	return false
}

// Add inserts owner into the set if absent, keeping it sorted.
func (l *LockState) Add(owner uint64) {
	if l.Has(owner) {
		return
	}
	l.OwnerSet = append(l.OwnerSet, owner)
	for i := len(l.OwnerSet) - 1; i > 0 && l.OwnerSet[i-1] > l.OwnerSet[i]; i-- {
		l.OwnerSet[i-1], l.OwnerSet[i] = l.OwnerSet[i], l.OwnerSet[i-1]
	}
}

// Remove deletes owner from the set, collapsing Type to LockUnlocked once
// the set goes empty, per spec invariant 7.
func (l *LockState) Remove(owner uint64) {
	out := l.OwnerSet[:0]
	for _, o := range l.OwnerSet {
		if o != owner {
			out = append(out, o)
		}
	}
	l.OwnerSet = out
	if len(l.OwnerSet) == 0 {
		l.Type = LockUnlocked
	}
}

func (l LockState) encode(e *encoder) {
	e.u8(uint8(l.Type))
	e.u32(uint32(len(l.OwnerSet)))
	for _, o := range l.OwnerSet {
		e.u64(o)
	}
}

func (l *LockState) decode(d *decoder) error {
	t, err := d.u8()
	if err != nil {
		return err
	}
	l.Type = LockType(t)
	n, err := d.u32()
	if err != nil {
		return err
	}
	l.OwnerSet = nil
	for i := uint32(0); i < n; i++ {
		o, err := d.u64()
		if err != nil {
			return err
		}
		l.OwnerSet = append(l.OwnerSet, o)
	}
	return nil
}

// Meta is the singleton record (§3): the fixed block size chosen at
// initialization and the next inode number to allocate.
type Meta struct {
	BlockSize uint64
	InodeNext uint64
}

func (m Meta) Encode() []byte {
	e := newEncoder(24)
	e.u64(m.BlockSize)
	e.u64(m.InodeNext)
	return e.bytes()
}

func DecodeMeta(buf []byte) (Meta, error) {
	d, err := newDecoder("meta", buf)
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if m.BlockSize, err = d.u64(); err != nil {
		return Meta{}, err
	}
	if m.InodeNext, err = d.u64(); err != nil {
		return Meta{}, err
	}
	if err := d.done(); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Inode is the persistent record for one filesystem object (§3). Blocks is
// intentionally absent: it is derived (ceil(Size/blockSize)), computed by
// BlockCount rather than stored, so it can never drift out of sync with Size.
type Inode struct {
	Ino       uint64
	Kind      Kind
	Perm      uint16
	Uid       uint32
	Gid       uint32
	Size      uint64
	Nlink     uint32
	Rdev      uint32
	Flags     uint32
	Atime     int64 // unix nanoseconds
	Mtime     int64
	Ctime     int64
	Crtime    int64
	NextFh    uint64
	OpenedFh  uint64
	HasInline bool
	Inline    []byte // present iff HasInline
	Lock      LockState
}

// BlockCount returns ceil(Size/blockSize), the derived `blocks` attribute.
func (i Inode) BlockCount(blockSize uint64) uint64 {
	if i.Size == 0 {
		return 0
	}
	return (i.Size + blockSize - 1) / blockSize
}

func (i Inode) Encode() []byte {
	e := newEncoder(96 + len(i.Inline))
	e.u64(i.Ino)
	e.u8(uint8(i.Kind))
	e.u32(uint32(i.Perm))
	e.u32(i.Uid)
	e.u32(i.Gid)
	e.u64(i.Size)
	e.u32(i.Nlink)
	e.u32(i.Rdev)
	e.u32(i.Flags)
	e.i64(i.Atime)
	e.i64(i.Mtime)
	e.i64(i.Ctime)
	e.i64(i.Crtime)
	e.u64(i.NextFh)
	e.u64(i.OpenedFh)
	if i.HasInline {
		e.u8(1)
		e.bytesField(i.Inline)
	} else {
		e.u8(0)
	}
	i.Lock.encode(e)
	return e.bytes()
}

func DecodeInode(buf []byte) (Inode, error) {
	d, err := newDecoder("inode", buf)
	if err != nil {
		return Inode{}, err
	}
	var i Inode
	if i.Ino, err = d.u64(); err != nil {
		return Inode{}, err
	}
	kind, err := d.u8()
	if err != nil {
		return Inode{}, err
	}
	i.Kind = Kind(kind)
	perm, err := d.u32()
	if err != nil {
		return Inode{}, err
	}
	i.Perm = uint16(perm)
	if i.Uid, err = d.u32(); err != nil {
		return Inode{}, err
	}
	if i.Gid, err = d.u32(); err != nil {
		return Inode{}, err
	}
	if i.Size, err = d.u64(); err != nil {
		return Inode{}, err
	}
	if i.Nlink, err = d.u32(); err != nil {
		return Inode{}, err
	}
	if i.Rdev, err = d.u32(); err != nil {
		return Inode{}, err
	}
	if i.Flags, err = d.u32(); err != nil {
		return Inode{}, err
	}
	if i.Atime, err = d.i64(); err != nil {
		return Inode{}, err
	}
	if i.Mtime, err = d.i64(); err != nil {
		return Inode{}, err
	}
	if i.Ctime, err = d.i64(); err != nil {
		return Inode{}, err
	}
	if i.Crtime, err = d.i64(); err != nil {
		return Inode{}, err
	}
	if i.NextFh, err = d.u64(); err != nil {
		return Inode{}, err
	}
	if i.OpenedFh, err = d.u64(); err != nil {
		return Inode{}, err
	}
	hasInline, err := d.u8()
	if err != nil {
		return Inode{}, err
	}
	if hasInline != 0 {
		i.HasInline = true
		if i.Inline, err = d.bytesField(); err != nil {
			return Inode{}, err
		}
	}
	if err := i.Lock.decode(d); err != nil {
		return Inode{}, err
	}
	if err := d.done(); err != nil {
		return Inode{}, err
	}
	return i, nil
}

// DirEntry is one (ino, name, kind) tuple stored in block 0 of a directory
// inode, in insertion order (§3, §4.6).
type DirEntry struct {
	Ino  uint64
	Name string
	Kind Kind
}

// Directory is the full decoded contents of a directory's block 0.
type Directory []DirEntry

func (dir Directory) Encode() []byte {
	size := 8
	for _, e := range dir {
		size += 8 + 1 + 4 + len(e.Name)
	}
	e := newEncoder(size)
	e.u32(uint32(len(dir)))
	for _, ent := range dir {
		e.u64(ent.Ino)
		e.u8(uint8(ent.Kind))
		e.strField(ent.Name)
	}
	return e.bytes()
}

func DecodeDirectory(buf []byte) (Directory, error) {
	d, err := newDecoder("directory", buf)
	if err != nil {
		return nil, err
	}
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	dir := make(Directory, 0, n)
	for i := uint32(0); i < n; i++ {
		ino, err := d.u64()
		if err != nil {
			return nil, err
		}
		kind, err := d.u8()
		if err != nil {
			return nil, err
		}
		name, err := d.strField()
		if err != nil {
			return nil, err
		}
		dir = append(dir, DirEntry{Ino: ino, Name: name, Kind: Kind(kind)})
	}
	if err := d.done(); err != nil {
		return nil, err
	}
	return dir, nil
}

// IndexValue is the value half of the (parent, name) -> ino secondary index.
type IndexValue struct {
	Ino uint64
}

func (v IndexValue) Encode() []byte {
	e := newEncoder(8)
	e.u64(v.Ino)
	return e.bytes()
}

func DecodeIndexValue(buf []byte) (IndexValue, error) {
	d, err := newDecoder("index", buf)
	if err != nil {
		return IndexValue{}, err
	}
	ino, err := d.u64()
	if err != nil {
		return IndexValue{}, err
	}
	if err := d.done(); err != nil {
		return IndexValue{}, err
	}
	return IndexValue{Ino: ino}, nil
}

// Handle is the ephemeral-but-durable cursor state of one open file (§3, C7).
type Handle struct {
	Cursor uint64
}

func (h Handle) Encode() []byte {
	e := newEncoder(8)
	e.u64(h.Cursor)
	return e.bytes()
}

func DecodeHandle(buf []byte) (Handle, error) {
	d, err := newDecoder("handle", buf)
	if err != nil {
		return Handle{}, err
	}
	cursor, err := d.u64()
	if err != nil {
		return Handle{}, err
	}
	if err := d.done(); err != nil {
		return Handle{}, err
	}
	return Handle{Cursor: cursor}, nil
}
