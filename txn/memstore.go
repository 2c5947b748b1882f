package txn

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// kvItem is one btree.Item: key/value pairs ordered lexicographically by
// Key, which is exactly the property every scan in kv's key schema (block
// ranges, inode ranges, readdir) relies on.
type kvItem struct {
	key   []byte
	value []byte
}

func (a kvItem) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(kvItem).key) < 0
}

// sharedMap is the process-wide entry_map of spec.md §5: one btree guarded
// by one mutex, held only across constant-time map operations.
type sharedMap struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// MemFactory begins MemStore transactions against one shared in-memory
// ordered map. Used for tests and single-node mode (§4.3).
type MemFactory struct {
	shared *sharedMap
}

// NewMemFactory returns a factory over a fresh, empty backing map.
func NewMemFactory() *MemFactory {
	return &MemFactory{shared: &sharedMap{tree: btree.New(32)}}
}

func (f *MemFactory) Begin() (Store, error) {
	return &MemStore{shared: f.shared}, nil
}

// MemStore is the in-memory Store backend. Every operation takes the shared
// mutex and applies directly to the shared tree, so Commit/Rollback are
// no-ops: there is no isolation between concurrent MemStore transactions
// beyond per-operation mutual exclusion, matching spec.md §4.3/§5.
type MemStore struct {
	shared *sharedMap
}

func (m *MemStore) Get(key []byte) ([]byte, bool, error) {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	item := m.shared.tree.Get(kvItem{key: key})
	if item == nil {
		return nil, false, nil
	}
	v := item.(kvItem).value
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemStore) Put(key, value []byte) error {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	m.shared.tree.ReplaceOrInsert(kvItem{key: k, value: v})
	return nil
}

func (m *MemStore) Delete(key []byte) error {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	m.shared.tree.Delete(kvItem{key: key})
	return nil
}

func (m *MemStore) Scan(lower, upper []byte, limit int) ([]KV, error) {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	var out []KV
	m.shared.tree.AscendRange(kvItem{key: lower}, kvItem{key: upper}, func(it btree.Item) bool {
		kv := it.(kvItem)
		out = append(out, KV{
			Key:   append([]byte(nil), kv.key...),
			Value: append([]byte(nil), kv.value...),
		})
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (m *MemStore) Commit() error   { return nil }
func (m *MemStore) Rollback() error { return nil }
