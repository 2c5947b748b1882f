// Package kv defines the flat, ordered key space and the binary record
// formats that make up all persistent state of the filesystem: one byte
// string keyspace, partitioned by a leading tag byte, holding meta, inode,
// block, name-index and file-handle records.
package kv

import (
	"encoding/binary"
	"fmt"
)

// Tag bytes partitioning the key space. Order matters only in that every
// numeric suffix is encoded big-endian, so that a lexicographic scan over
// keys sharing a prefix yields ascending numeric order.
const (
	TagMeta   byte = 0x00
	TagInode  byte = 0x01
	TagBlock  byte = 0x02
	TagIndex  byte = 0x03
	TagHandle byte = 0x04
)

// RootIno is the reserved inode number of the root directory. User-created
// inodes are always allocated starting at RootIno+1.
const RootIno uint64 = 1

// MetaKey returns the single key under which the Meta record lives.
func MetaKey() []byte {
	return []byte{TagMeta}
}

// InodeKey returns the key for an inode record.
func InodeKey(ino uint64) []byte {
	k := make([]byte, 1+8)
	k[0] = TagInode
	binary.BigEndian.PutUint64(k[1:], ino)
	return k
}

// BlockKey returns the key for one fixed-size data block of an inode.
func BlockKey(ino, blockIdx uint64) []byte {
	k := make([]byte, 1+8+8)
	k[0] = TagBlock
	binary.BigEndian.PutUint64(k[1:9], ino)
	binary.BigEndian.PutUint64(k[9:17], blockIdx)
	return k
}

// BlockRange returns the half-open [lower, upper) key range covering block
// indices [from, to) of ino, suitable for an ascending Store.Scan.
func BlockRange(ino uint64, from, to uint64) (lower, upper []byte) {
	return BlockKey(ino, from), BlockKey(ino, to)
}

// BlockPrefixRange returns the key range covering every block of ino,
// regardless of index, for use by Clear/reclamation.
func BlockPrefixRange(ino uint64) (lower, upper []byte) {
	return BlockKey(ino, 0), BlockKey(ino+1, 0)
}

// IndexKey returns the key of the (parent, name) -> ino secondary index.
func IndexKey(parent uint64, name string) []byte {
	k := make([]byte, 1+8+len(name))
	k[0] = TagIndex
	binary.BigEndian.PutUint64(k[1:9], parent)
	copy(k[9:], name)
	return k
}

// IndexPrefix returns the key range covering every index entry under
// parent, for directory-wide scans.
func IndexPrefix(parent uint64) (lower, upper []byte) {
	lower = make([]byte, 1+8)
	lower[0] = TagIndex
	binary.BigEndian.PutUint64(lower[1:9], parent)
	upper = make([]byte, 1+8)
	upper[0] = TagIndex
	binary.BigEndian.PutUint64(upper[1:9], parent+1)
	return
}

// HandleKey returns the key of an open file handle's cursor record.
func HandleKey(ino, fh uint64) []byte {
	k := make([]byte, 1+8+8)
	k[0] = TagHandle
	binary.BigEndian.PutUint64(k[1:9], ino)
	binary.BigEndian.PutUint64(k[9:17], fh)
	return k
}

// InodeRange returns the half-open [lower, upper) key range covering inode
// numbers [from, to), used by statfs's full-scan accounting.
func InodeRange(from, to uint64) (lower, upper []byte) {
	return InodeKey(from), InodeKey(to)
}

// ParseBlockIndex extracts the block index from a key known to be a block
// key (as returned by a scan over BlockRange), panicking if it is not.
func ParseBlockIndex(key []byte) uint64 {
	if len(key) != 17 || key[0] != TagBlock {
		panic(fmt.Sprintf("kv: not a block key: %x", key))
	}
	return binary.BigEndian.Uint64(key[9:17])
}
