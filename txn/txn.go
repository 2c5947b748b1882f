package txn

import (
	"time"

	"github.com/kvfs/tifs/kv"
)

// inlineThresholdDivisor is the original source's INLINE_DATA_THRESHOLD_BASE:
// inline data is allowed up to blockSize/16 bytes (§3 invariant 3).
const inlineThresholdDivisor = 16

// Txn is the single generic transaction type every filesystem operation in
// the dispatcher (C9) runs inside: it layers the block store (C4), inode
// engine (C5), directory engine (C6), file handle table (C7), and lock
// state machine (C8) over one Store, so the distributed and in-memory
// backends share one algorithm implementation (spec.md §9).
type Txn struct {
	store     Store
	blockSize uint64
}

// New wraps a freshly begun Store in a Txn carrying the mount's fixed block
// size. Every scan/read/write boundary computation below is relative to
// this size.
func New(store Store, blockSize uint64) *Txn {
	return &Txn{store: store, blockSize: blockSize}
}

func (t *Txn) BlockSize() uint64 { return t.blockSize }

func (t *Txn) inlineThreshold() uint64 { return t.blockSize / inlineThresholdDivisor }

func (t *Txn) Commit() error {
	if err := t.store.Commit(); err != nil {
		if IsConflict(err) {
			return err
		}
		return errBackend("Commit", err)
	}
	return nil
}

func (t *Txn) Rollback() error {
	if err := t.store.Rollback(); err != nil {
		return errBackend("Rollback", err)
	}
	return nil
}

func now() int64 { return time.Now().UnixNano() }

// ---- Meta (singleton) ----

func (t *Txn) ReadMeta() (kv.Meta, bool, error) {
	raw, ok, err := t.store.Get(kv.MetaKey())
	if err != nil {
		return kv.Meta{}, false, errBackend("ReadMeta", err)
	}
	if !ok {
		return kv.Meta{}, false, nil
	}
	m, err := kv.DecodeMeta(raw)
	if err != nil {
		return kv.Meta{}, false, errCodec("ReadMeta", err)
	}
	return m, true, nil
}

func (t *Txn) SaveMeta(m kv.Meta) error {
	if err := t.store.Put(kv.MetaKey(), m.Encode()); err != nil {
		return errBackend("SaveMeta", err)
	}
	return nil
}

// ---- Inode engine (C5) ----

func (t *Txn) ReadInode(ino uint64) (kv.Inode, error) {
	raw, ok, err := t.store.Get(kv.InodeKey(ino))
	if err != nil {
		return kv.Inode{}, errBackend("ReadInode", err)
	}
	if !ok {
		return kv.Inode{}, errInodeNotFound(ino)
	}
	inode, err := kv.DecodeInode(raw)
	if err != nil {
		return kv.Inode{}, errCodec("ReadInode", err)
	}
	return inode, nil
}

// SaveInode is also the sole reclamation point (invariant 4): when an
// inode's nlink and opened-handle count have both reached zero, the inode
// record and every one of its data blocks are deleted in this same
// transaction rather than upserted.
func (t *Txn) SaveInode(inode kv.Inode) error {
	if inode.Nlink == 0 && inode.OpenedFh == 0 {
		if err := t.store.Delete(kv.InodeKey(inode.Ino)); err != nil {
			return errBackend("SaveInode", err)
		}
		return t.deleteAllBlocks(inode.Ino)
	}
	if err := t.store.Put(kv.InodeKey(inode.Ino), inode.Encode()); err != nil {
		return errBackend("SaveInode", err)
	}
	return nil
}

func (t *Txn) RemoveInode(ino uint64) error {
	if err := t.store.Delete(kv.InodeKey(ino)); err != nil {
		return errBackend("RemoveInode", err)
	}
	return nil
}

func (t *Txn) deleteAllBlocks(ino uint64) error {
	lower, upper := kv.BlockPrefixRange(ino)
	pairs, err := t.store.Scan(lower, upper, 0)
	if err != nil {
		return errBackend("deleteAllBlocks", err)
	}
	for _, p := range pairs {
		if err := t.store.Delete(p.Key); err != nil {
			return errBackend("deleteAllBlocks", err)
		}
	}
	return nil
}

// AllocateInode implements make_inode: draw the next inode number from
// Meta, wire it into the parent directory/index (unless parent is a
// pseudo-root sentinel, used only by the bootstrap mkdir of the real root),
// and persist a freshly composed inode.
func (t *Txn) AllocateInode(parent uint64, name string, mode uint32, uid, gid, rdev uint32) (kv.Inode, error) {
	meta, ok, err := t.ReadMeta()
	if err != nil {
		return kv.Inode{}, err
	}
	if !ok {
		meta = kv.Meta{BlockSize: t.blockSize, InodeNext: kv.RootIno}
	}
	ino := meta.InodeNext
	meta.InodeNext++
	if err := t.SaveMeta(meta); err != nil {
		return kv.Inode{}, err
	}

	kind := kindFromMode(mode)
	if parent >= kv.RootIno {
		if _, found, err := t.GetIndex(parent, name); err != nil {
			return kv.Inode{}, err
		} else if found {
			return kv.Inode{}, errFileExist(name)
		}
		if err := t.SetIndex(parent, name, ino); err != nil {
			return kv.Inode{}, err
		}
		dir, err := t.ReadDirectory(parent)
		if err != nil {
			return kv.Inode{}, err
		}
		dir = append(dir, kv.DirEntry{Ino: ino, Name: name, Kind: kind})
		if err := t.saveDirectoryRaw(parent, dir); err != nil {
			return kv.Inode{}, err
		}
	}

	ts := now()
	inode := kv.Inode{
		Ino:    ino,
		Kind:   kind,
		Perm:   permFromMode(mode),
		Uid:    uid,
		Gid:    gid,
		Size:   0,
		Nlink:  1,
		Rdev:   rdev,
		Atime:  ts,
		Mtime:  ts,
		Ctime:  ts,
		Crtime: ts,
	}
	if err := t.SaveInode(inode); err != nil {
		return kv.Inode{}, err
	}
	return inode, nil
}

// Mkdir allocates a directory inode and initializes its (empty) directory
// block.
func (t *Txn) Mkdir(parent uint64, name string, perm uint16, uid, gid uint32) (kv.Inode, error) {
	mode := MakeMode(kv.KindDirectory, perm)
	inode, err := t.AllocateInode(parent, name, mode, uid, gid, 0)
	if err != nil {
		return kv.Inode{}, err
	}
	if err := t.saveDirectoryRaw(inode.Ino, kv.Directory{}); err != nil {
		return kv.Inode{}, err
	}
	return t.ReadInode(inode.Ino)
}

// Symlink allocates a symlink inode and stores the target path as inline
// data regardless of length: symlink targets are never promoted to block
// storage, a sanctioned exception to invariant 3 (spec.md §4.5, §9).
func (t *Txn) Symlink(parent uint64, name string, uid, gid uint32, target string) (kv.Inode, error) {
	mode := MakeMode(kv.KindSymlink, 0o777)
	inode, err := t.AllocateInode(parent, name, mode, uid, gid, 0)
	if err != nil {
		return kv.Inode{}, err
	}
	inode.HasInline = true
	inode.Inline = nil
	inode.Size = 0
	if err := t.writeInlineData(&inode, 0, []byte(target)); err != nil {
		return kv.Inode{}, err
	}
	return inode, nil
}

func (t *Txn) ReadLink(ino uint64) ([]byte, error) {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	return t.readInlineData(&inode, 0, inode.Size)
}

// Link implements link-or-replace: if new_name already exists under
// new_parent it is removed first (rmdir'd if a directory, unlinked
// otherwise), then the index/directory entry is (re)created and nlink is
// bumped.
func (t *Txn) Link(ino, newParent uint64, newName string) (kv.Inode, error) {
	if oldIno, found, err := t.GetIndex(newParent, newName); err != nil {
		return kv.Inode{}, err
	} else if found {
		existing, err := t.ReadInode(oldIno)
		if err != nil {
			return kv.Inode{}, err
		}
		if existing.Kind == kv.KindDirectory {
			if err := t.Rmdir(newParent, newName); err != nil {
				return kv.Inode{}, err
			}
		} else if err := t.Unlink(newParent, newName); err != nil {
			return kv.Inode{}, err
		}
	}

	if err := t.SetIndex(newParent, newName, ino); err != nil {
		return kv.Inode{}, err
	}

	inode, err := t.ReadInode(ino)
	if err != nil {
		return kv.Inode{}, err
	}
	dir, err := t.ReadDirectory(newParent)
	if err != nil {
		return kv.Inode{}, err
	}
	dir = append(dir, kv.DirEntry{Ino: ino, Name: newName, Kind: inode.Kind})
	if err := t.saveDirectoryRaw(newParent, dir); err != nil {
		return kv.Inode{}, err
	}

	inode.Nlink++
	inode.Ctime = now()
	if err := t.SaveInode(inode); err != nil {
		return kv.Inode{}, err
	}
	return inode, nil
}

func (t *Txn) Unlink(parent uint64, name string) error {
	ino, found, err := t.GetIndex(parent, name)
	if err != nil {
		return err
	}
	if !found {
		return errFileNotFound(name)
	}
	if err := t.RemoveIndex(parent, name); err != nil {
		return err
	}
	if err := t.removeDirEntry(parent, name); err != nil {
		return err
	}
	inode, err := t.ReadInode(ino)
	if err != nil {
		return err
	}
	if inode.Nlink > 0 {
		inode.Nlink--
	}
	inode.Ctime = now()
	return t.SaveInode(inode)
}

func (t *Txn) Rmdir(parent uint64, name string) error {
	ino, found, err := t.GetIndex(parent, name)
	if err != nil {
		return err
	}
	if !found {
		return errFileNotFound(name)
	}
	target, err := t.ReadDirectory(ino)
	if err != nil {
		return err
	}
	if len(target) != 0 {
		return errDirNotEmpty(name)
	}
	if err := t.RemoveIndex(parent, name); err != nil {
		return err
	}
	if err := t.RemoveInode(ino); err != nil {
		return err
	}
	return t.removeDirEntry(parent, name)
}

// Rename is link-then-unlink inside the caller's single transaction, so no
// observer ever sees the name missing from both locations (testable
// property 8).
func (t *Txn) Rename(parent uint64, name string, newParent uint64, newName string) error {
	ino, err := t.Lookup(parent, name)
	if err != nil {
		return err
	}
	if _, err := t.Link(ino, newParent, newName); err != nil {
		return err
	}
	return t.Unlink(parent, name)
}

func (t *Txn) Lookup(parent uint64, name string) (uint64, error) {
	ino, found, err := t.GetIndex(parent, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errFileNotFound(name)
	}
	return ino, nil
}

// SetAttrInput carries only the fields the caller actually wants to change;
// a nil pointer means "leave as-is".
type SetAttrInput struct {
	Perm  *uint16
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *int64
	Mtime *int64
	Ctime *int64
	Flags *uint32
}

// SetAttr merges the supplied fields into the inode. A size change recomputes
// the derived block count but never truncates already-stored blocks beyond
// the new size (the "cheap truncate" documented as intentional in
// SPEC_FULL.md §7): they become unreachable garbage until overwritten or
// the inode itself is reclaimed.
func (t *Txn) SetAttr(ino uint64, in SetAttrInput) (kv.Inode, error) {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return kv.Inode{}, err
	}
	if in.Perm != nil {
		inode.Perm = *in.Perm
	}
	if in.Uid != nil {
		inode.Uid = *in.Uid
	}
	if in.Gid != nil {
		inode.Gid = *in.Gid
	}
	if in.Size != nil {
		inode.Size = *in.Size
	}
	ts := now()
	if in.Atime != nil {
		inode.Atime = *in.Atime
	} else {
		inode.Atime = ts
	}
	if in.Mtime != nil {
		inode.Mtime = *in.Mtime
	} else {
		inode.Mtime = ts
	}
	if in.Ctime != nil {
		inode.Ctime = *in.Ctime
	} else {
		inode.Ctime = ts
	}
	if in.Flags != nil {
		inode.Flags = *in.Flags
	}
	if err := t.SaveInode(inode); err != nil {
		return kv.Inode{}, err
	}
	return inode, nil
}

// ---- Directory engine (C6) ----

func (t *Txn) GetIndex(parent uint64, name string) (uint64, bool, error) {
	raw, ok, err := t.store.Get(kv.IndexKey(parent, name))
	if err != nil {
		return 0, false, errBackend("GetIndex", err)
	}
	if !ok {
		return 0, false, nil
	}
	v, err := kv.DecodeIndexValue(raw)
	if err != nil {
		return 0, false, errCodec("GetIndex", err)
	}
	return v.Ino, true, nil
}

func (t *Txn) SetIndex(parent uint64, name string, ino uint64) error {
	v := kv.IndexValue{Ino: ino}
	if err := t.store.Put(kv.IndexKey(parent, name), v.Encode()); err != nil {
		return errBackend("SetIndex", err)
	}
	return nil
}

func (t *Txn) RemoveIndex(parent uint64, name string) error {
	if err := t.store.Delete(kv.IndexKey(parent, name)); err != nil {
		return errBackend("RemoveIndex", err)
	}
	return nil
}

// ReadDirectory decodes the directory contents stored in block 0 of ino.
// A directory inode always has a block 0 (created by Mkdir); an absent
// block indicates corruption, not an empty directory.
func (t *Txn) ReadDirectory(ino uint64) (kv.Directory, error) {
	raw, ok, err := t.store.Get(kv.BlockKey(ino, 0))
	if err != nil {
		return nil, errBackend("ReadDirectory", err)
	}
	if !ok {
		return nil, errBlockNotFound(ino, 0)
	}
	dir, err := kv.DecodeDirectory(raw)
	if err != nil {
		return nil, errCodec("ReadDirectory", err)
	}
	return dir, nil
}

// saveDirectoryRaw persists the directory block and updates the owning
// inode's size/timestamps to match, exactly as save_dir does in the
// original: the directory's encoded byte length becomes the inode's size.
func (t *Txn) saveDirectoryRaw(ino uint64, dir kv.Directory) error {
	data := dir.Encode()
	inode, err := t.ReadInode(ino)
	if err != nil {
		return err
	}
	inode.Size = uint64(len(data))
	ts := now()
	inode.Atime, inode.Mtime, inode.Ctime = ts, ts, ts
	if err := t.SaveInode(inode); err != nil {
		return err
	}
	if err := t.store.Put(kv.BlockKey(ino, 0), data); err != nil {
		return errBackend("saveDirectoryRaw", err)
	}
	return nil
}

func (t *Txn) removeDirEntry(parent uint64, name string) error {
	dir, err := t.ReadDirectory(parent)
	if err != nil {
		return err
	}
	out := dir[:0]
	for _, e := range dir {
		if e.Name != name {
			out = append(out, e)
		}
	}
	return t.saveDirectoryRaw(parent, out)
}

// Readdir injects synthetic ".."/"." at offsets 0/1 and then yields the
// decoded entry sequence starting at max(0, offset-2), in insertion order
// (§4.6).
func (t *Txn) Readdir(ino uint64, offset int64) ([]kv.DirEntry, error) {
	var out []kv.DirEntry
	if offset == 0 {
		out = append(out, kv.DirEntry{Ino: kv.RootIno, Name: "..", Kind: kv.KindDirectory})
	}
	if offset <= 1 {
		out = append(out, kv.DirEntry{Ino: ino, Name: ".", Kind: kv.KindDirectory})
	}
	skip := offset - 2
	if skip < 0 {
		skip = 0
	}
	dir, err := t.ReadDirectory(ino)
	if err != nil {
		return nil, err
	}
	if skip < int64(len(dir)) {
		out = append(out, dir[skip:]...)
	}
	return out, nil
}

// ---- Block store (C4) ----

func emptyBlock(blockSize uint64) []byte {
	return make([]byte, blockSize)
}

// Write implements write_data: inline while small, promoting to block 0
// once a write would cross the inline threshold, otherwise splitting across
// block boundaries with read-modify-write only at the two edges (§4.4).
func (t *Txn) Write(ino uint64, start uint64, data []byte) (int, error) {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return 0, err
	}
	size := uint64(len(data))
	target := start + size

	if inode.HasInline && target > t.inlineThreshold() {
		if err := t.promoteInline(&inode); err != nil {
			return 0, err
		}
	}

	if (inode.HasInline || inode.Size == 0) && target <= t.inlineThreshold() {
		return t.writeInlineData(&inode, start, data)
	}

	blockIndex := start / t.blockSize
	startIndex := int(start % t.blockSize)

	firstBlockSize := int(t.blockSize) - startIndex
	if firstBlockSize > len(data) {
		firstBlockSize = len(data)
	}
	first, rest := data[:firstBlockSize], data[firstBlockSize:]

	startKey := kv.BlockKey(ino, blockIndex)
	startValue, ok, err := t.store.Get(startKey)
	if err != nil {
		return 0, errBackend("Write", err)
	}
	if !ok {
		startValue = emptyBlock(t.blockSize)
	} else if uint64(len(startValue)) < t.blockSize {
		padded := emptyBlock(t.blockSize)
		copy(padded, startValue)
		startValue = padded
	}
	copy(startValue[startIndex:startIndex+len(first)], first)
	if err := t.store.Put(startKey, startValue); err != nil {
		return 0, errBackend("Write", err)
	}

	for len(rest) != 0 {
		blockIndex++
		key := kv.BlockKey(ino, blockIndex)
		n := len(rest)
		if n > int(t.blockSize) {
			n = int(t.blockSize)
		}
		chunk, remainder := rest[:n], rest[n:]
		value := append([]byte(nil), chunk...)
		if uint64(len(value)) < t.blockSize {
			existing, ok, err := t.store.Get(key)
			if err != nil {
				return 0, errBackend("Write", err)
			}
			base := emptyBlock(t.blockSize)
			if ok {
				copy(base, existing)
			}
			copy(base, value)
			value = base
		}
		if err := t.store.Put(key, value); err != nil {
			return 0, errBackend("Write", err)
		}
		rest = remainder
	}

	ts := now()
	inode.Atime, inode.Mtime, inode.Ctime = ts, ts, ts
	if target > inode.Size {
		inode.Size = target
	}
	if err := t.SaveInode(inode); err != nil {
		return 0, err
	}
	return int(size), nil
}

// promoteInline converts inline data into block 0, padded to a full block,
// and clears the inline field (§4.4 step 2).
func (t *Txn) promoteInline(inode *kv.Inode) error {
	data := emptyBlock(t.blockSize)
	copy(data, inode.Inline)
	if err := t.store.Put(kv.BlockKey(inode.Ino, 0), data); err != nil {
		return errBackend("promoteInline", err)
	}
	inode.HasInline = false
	inode.Inline = nil
	return nil
}

func (t *Txn) writeInlineData(inode *kv.Inode, start uint64, data []byte) (int, error) {
	size := len(data)
	s := int(start)
	inlined := inode.Inline
	if s+size > len(inlined) {
		grown := make([]byte, s+size)
		copy(grown, inlined)
		inlined = grown
	}
	copy(inlined[s:s+size], data)

	ts := now()
	inode.Atime, inode.Mtime, inode.Ctime = ts, ts, ts
	inode.HasInline = true
	inode.Inline = inlined
	inode.Size = uint64(len(inlined))
	if err := t.SaveInode(*inode); err != nil {
		return 0, err
	}
	return size, nil
}

func (t *Txn) readInlineData(inode *kv.Inode, start, size uint64) ([]byte, error) {
	s := int(start)
	n := int(size)
	out := make([]byte, n)
	inlined := inode.Inline
	if len(inlined) > s {
		toCopy := n
		if avail := len(inlined) - s; avail < toCopy {
			toCopy = avail
		}
		copy(out[:toCopy], inlined[s:s+toCopy])
	}
	inode.Atime = now()
	if err := t.SaveInode(*inode); err != nil {
		return nil, err
	}
	return out, nil
}

// Read implements read_data: clamps to EOF, answers from inline storage
// directly, or scans the covering block range and sparse-fills any missing
// (hole) block with zeros, trimming the first block at the offset-within-
// block boundary and the assembled buffer to exactly the requested size
// (§4.4, testable properties 4-5).
func (t *Txn) Read(ino uint64, start, size uint64) ([]byte, error) {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	if start >= inode.Size {
		return []byte{}, nil
	}
	maxSize := inode.Size - start
	if size > maxSize {
		size = maxSize
	}

	if inode.HasInline {
		return t.readInlineData(&inode, start, size)
	}

	target := start + size
	startBlock := start / t.blockSize
	endBlock := (target + t.blockSize - 1) / t.blockSize

	lower, upper := kv.BlockRange(ino, startBlock, endBlock)
	pairs, err := t.store.Scan(lower, upper, int(endBlock-startBlock))
	if err != nil {
		return nil, errBackend("Read", err)
	}

	data := make([]byte, 0, (endBlock-startBlock)*t.blockSize)
	next := startBlock
	for _, p := range pairs {
		idx := kv.ParseBlockIndex(p.Key)
		for next < idx { // sparse holes: zero-fill missing block indices
			data = append(data, emptyBlock(t.blockSize)...)
			next++
		}
		value := p.Value
		if uint64(len(value)) < t.blockSize {
			padded := emptyBlock(t.blockSize)
			copy(padded, value)
			value = padded
		}
		data = append(data, value...)
		next++
	}
	for next < endBlock { // trailing holes past the last scanned block
		data = append(data, emptyBlock(t.blockSize)...)
		next++
	}

	trimStart := start % t.blockSize
	if uint64(len(data)) > trimStart {
		data = data[trimStart:]
	} else {
		data = nil
	}
	if uint64(len(data)) > size {
		data = data[:size]
	} else if uint64(len(data)) < size {
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	}

	inode.Atime = now()
	if err := t.SaveInode(inode); err != nil {
		return nil, err
	}
	return data, nil
}

// Clear deletes every block key for ino and resets size to zero.
func (t *Txn) Clear(ino uint64) (uint64, error) {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return 0, err
	}
	if err := t.deleteAllBlocks(ino); err != nil {
		return 0, err
	}
	cleared := inode.Size
	inode.Size = 0
	inode.Atime = now()
	if err := t.SaveInode(inode); err != nil {
		return 0, err
	}
	return cleared, nil
}

// Fallocate grows the logical size without allocating blocks: holes are
// materialized lazily by Read's zero-fill, matching §4.4's fallocate
// algorithm (no-op if not growing; inline-extend below threshold; otherwise
// promote-then-resize).
func (t *Txn) Fallocate(ino uint64, offset, length int64) error {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return err
	}
	targetSize := uint64(offset + length)
	if targetSize <= inode.Size {
		return nil
	}

	if inode.HasInline {
		if targetSize <= t.inlineThreshold() {
			original := inode.Size
			zeros := make([]byte, targetSize-original)
			_, err := t.writeInlineData(&inode, original, zeros)
			return err
		}
		if err := t.promoteInline(&inode); err != nil {
			return err
		}
	}

	inode.Size = targetSize
	inode.Mtime = now()
	return t.SaveInode(inode)
}

// ---- File handle table (C7) ----

func (t *Txn) ReadHandle(ino, fh uint64) (kv.Handle, error) {
	raw, ok, err := t.store.Get(kv.HandleKey(ino, fh))
	if err != nil {
		return kv.Handle{}, errBackend("ReadHandle", err)
	}
	if !ok {
		return kv.Handle{}, errFhNotFound(ino, fh)
	}
	h, err := kv.DecodeHandle(raw)
	if err != nil {
		return kv.Handle{}, errCodec("ReadHandle", err)
	}
	return h, nil
}

func (t *Txn) saveHandle(ino, fh uint64, h kv.Handle) error {
	if err := t.store.Put(kv.HandleKey(ino, fh), h.Encode()); err != nil {
		return errBackend("SaveHandle", err)
	}
	return nil
}

func (t *Txn) Open(ino uint64) (uint64, error) {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return 0, err
	}
	fh := inode.NextFh
	if err := t.saveHandle(ino, fh, kv.Handle{}); err != nil {
		return 0, err
	}
	inode.NextFh++
	inode.OpenedFh++
	if err := t.SaveInode(inode); err != nil {
		return 0, err
	}
	return fh, nil
}

func (t *Txn) Close(ino, fh uint64) error {
	if _, err := t.ReadHandle(ino, fh); err != nil {
		return err
	}
	if err := t.store.Delete(kv.HandleKey(ino, fh)); err != nil {
		return errBackend("Close", err)
	}
	inode, err := t.ReadInode(ino)
	if err != nil {
		return err
	}
	if inode.OpenedFh > 0 {
		inode.OpenedFh--
	}
	return t.SaveInode(inode)
}

// Whence values, mirroring lseek(2).
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

func (t *Txn) Lseek(ino, fh uint64, offset int64, whence int) (int64, error) {
	h, err := t.ReadHandle(ino, fh)
	if err != nil {
		return 0, err
	}
	inode, err := t.ReadInode(ino)
	if err != nil {
		return 0, err
	}
	var target int64
	switch whence {
	case SeekSet:
		target = offset
	case SeekCur:
		target = int64(h.Cursor) + offset
	case SeekEnd:
		target = int64(inode.Size) + offset
	default:
		return 0, errUnknownWhence(whence)
	}
	if target < 0 {
		return 0, errInvalidOffset(ino, target)
	}
	h.Cursor = uint64(target)
	if err := t.saveHandle(ino, fh, h); err != nil {
		return 0, err
	}
	return target, nil
}

// ReadAt/WriteAt add the file handle's cursor to the caller-supplied offset
// before delegating to Read/Write, matching the original's (non-POSIX-pread)
// behavior exactly; see SPEC_FULL.md §7 for why this is kept rather than
// "fixed".
func (t *Txn) ReadAt(ino, fh uint64, offset int64, size uint32) ([]byte, error) {
	h, err := t.ReadHandle(ino, fh)
	if err != nil {
		return nil, err
	}
	start := int64(h.Cursor) + offset
	if start < 0 {
		return nil, errInvalidOffset(ino, start)
	}
	return t.Read(ino, uint64(start), uint64(size))
}

func (t *Txn) WriteAt(ino, fh uint64, offset int64, data []byte) (int, error) {
	h, err := t.ReadHandle(ino, fh)
	if err != nil {
		return 0, err
	}
	start := int64(h.Cursor) + offset
	if start < 0 {
		return 0, errInvalidOffset(ino, start)
	}
	return t.Write(ino, uint64(start), data)
}

// ---- Lock state machine (C8) ----

// SetLock applies one transition of the §4.8 table. acquired=false, err=nil
// means the request conflicted and the caller asked to sleep: the
// dispatcher's blocking setlk loop should retry under backoff rather than
// fail. acquired=false with a non-nil error means a non-blocking request
// hit a conflict and must fail now.
func (t *Txn) SetLock(ino, owner uint64, typ kv.LockType, sleep bool) (acquired bool, err error) {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return false, err
	}
	if inode.Kind == kv.KindDirectory {
		return false, errInvalidLock()
	}

	lock := inode.Lock
	conflict := false

	switch lock.Type {
	case kv.LockUnlocked:
		lock.Type = typ
		lock.Add(owner)
	case kv.LockShared:
		switch typ {
		case kv.LockShared:
			lock.Add(owner)
		case kv.LockExclusive:
			if len(lock.OwnerSet) == 1 && lock.Has(owner) {
				lock.Type = kv.LockExclusive
			} else {
				conflict = true
			}
		default:
			return false, errInvalidLock()
		}
	case kv.LockExclusive:
		if !lock.Has(owner) {
			conflict = true
		} else {
			switch typ {
			case kv.LockShared:
				lock.Type = kv.LockShared
				lock.OwnerSet = []uint64{owner}
			case kv.LockExclusive:
				// already held exclusively by owner: no-op re-acquire
			default:
				return false, errInvalidLock()
			}
		}
	default:
		return false, errInvalidLock()
	}

	if conflict {
		if sleep {
			return false, nil
		}
		return false, errInvalidLock()
	}

	inode.Lock = lock
	if err := t.SaveInode(inode); err != nil {
		return false, err
	}
	return true, nil
}

// Unlock removes owner from the inode's lock owner set, collapsing to
// unlocked once empty (always succeeds, even if owner held nothing).
func (t *Txn) Unlock(ino, owner uint64) error {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return err
	}
	if inode.Kind == kv.KindDirectory {
		return errInvalidLock()
	}
	inode.Lock.Remove(owner)
	return t.SaveInode(inode)
}

func (t *Txn) GetLock(ino uint64) (kv.LockState, error) {
	inode, err := t.ReadInode(ino)
	if err != nil {
		return kv.LockState{}, err
	}
	return inode.Lock, nil
}

// StatAccounting scans every inode in [RootIno, nextIno) and sums their
// derived block counts and a file count, for statfs. This is O(#inodes);
// kept as specified (§9 flags it as a known inefficiency, not silently
// fixed with an invented running counter).
func (t *Txn) StatAccounting() (files, blocks uint64, err error) {
	meta, ok, err := t.ReadMeta()
	if err != nil {
		return 0, 0, err
	}
	nextIno := kv.RootIno
	if ok {
		nextIno = meta.InodeNext
	}
	lower, upper := kv.InodeRange(kv.RootIno, nextIno)
	pairs, err := t.store.Scan(lower, upper, 0)
	if err != nil {
		return 0, 0, errBackend("StatAccounting", err)
	}
	for _, p := range pairs {
		inode, err := kv.DecodeInode(p.Value)
		if err != nil {
			return 0, 0, errCodec("StatAccounting", err)
		}
		files++
		blocks += inode.BlockCount(t.blockSize)
	}
	return files, blocks, nil
}
