package kv

import (
	"bytes"
	"testing"
)

func TestBlockKeyAscendingOrder(t *testing.T) {
	var keys [][]byte
	for i := uint64(0); i < 300; i++ {
		keys = append(keys, BlockKey(7, i))
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("block keys not strictly ascending at index %d", i)
		}
	}
}

func TestBlockKeyRangeIsolatesInode(t *testing.T) {
	lower, upper := BlockPrefixRange(7)
	k := BlockKey(8, 0)
	if bytes.Compare(k, lower) >= 0 && bytes.Compare(k, upper) < 0 {
		t.Fatalf("inode 8's block key fell inside inode 7's prefix range")
	}
	k = BlockKey(7, 5000)
	if !(bytes.Compare(k, lower) >= 0 && bytes.Compare(k, upper) < 0) {
		t.Fatalf("inode 7's own block key fell outside its prefix range")
	}
}

func TestIndexPrefixIsolatesParent(t *testing.T) {
	lower, upper := IndexPrefix(3)
	inside := IndexKey(3, "zzz")
	outside := IndexKey(4, "aaa")
	if !(bytes.Compare(inside, lower) >= 0 && bytes.Compare(inside, upper) < 0) {
		t.Fatalf("own entry fell outside its parent's prefix range")
	}
	if bytes.Compare(outside, lower) >= 0 && bytes.Compare(outside, upper) < 0 {
		t.Fatalf("other parent's entry fell inside this parent's prefix range")
	}
}

func TestParseBlockIndexRoundTrip(t *testing.T) {
	k := BlockKey(42, 99)
	if got := ParseBlockIndex(k); got != 99 {
		t.Errorf("got %d want 99", got)
	}
}

func TestTagsPartitionKeySpace(t *testing.T) {
	keys := [][]byte{
		MetaKey(),
		InodeKey(1),
		BlockKey(1, 0),
		IndexKey(1, "a"),
		HandleKey(1, 0),
	}
	seen := map[byte]bool{}
	for _, k := range keys {
		if seen[k[0]] {
			t.Fatalf("duplicate tag byte %x", k[0])
		}
		seen[k[0]] = true
	}
}
