package txn

import (
	"context"
	"errors"
	"strings"

	tikverr "github.com/tikv/client-go/v2/error"
	"github.com/tikv/client-go/v2/txnkv"
)

// TiKVStore wraps one optimistic transaction.KVTxn from the real distributed
// backend (§4.3, §6's "Backing KV contract"). It is the production store;
// MemStore exists alongside it for tests and single-node mode.
type TiKVStore struct {
	ctx context.Context
	txn *txnkv.KVTxn
}

// TiKVFactory begins optimistic transactions against a live TiKV cluster
// through a *txnkv.Client, the same dependency juicefs's TiKV metadata
// engine uses.
type TiKVFactory struct {
	ctx    context.Context
	client *txnkv.Client
}

// NewTiKVFactory dials pdEndpoints and returns a factory ready to begin
// transactions. The client itself (connection pooling, PD discovery, Raft)
// is out of scope per spec.md §1; this is the narrow point of contact.
func NewTiKVFactory(ctx context.Context, pdEndpoints []string) (*TiKVFactory, error) {
	var client *txnkv.Client
	done := make(chan error, 1)
	go func() {
		var err error
		client, err = txnkv.NewClient(pdEndpoints)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, errBackend("NewTiKVFactory", err)
		}
	case <-ctx.Done():
		return nil, errBackend("NewTiKVFactory", ctx.Err())
	}
	return &TiKVFactory{ctx: context.Background(), client: client}, nil
}

func (f *TiKVFactory) Close() error {
	return f.client.Close()
}

func (f *TiKVFactory) Begin() (Store, error) {
	kvTxn, err := f.client.Begin()
	if err != nil {
		return nil, errBackend("Begin", err)
	}
	kvTxn.SetPessimistic(false) // optimistic transactions only, per §4.3
	return &TiKVStore{ctx: f.ctx, txn: kvTxn}, nil
}

func (s *TiKVStore) Get(key []byte) ([]byte, bool, error) {
	v, err := s.txn.Get(s.ctx, key)
	if err != nil {
		if tikverr.IsErrNotFound(err) {
			return nil, false, nil
		}
		return nil, false, errBackend("Get", err)
	}
	return v, true, nil
}

func (s *TiKVStore) Put(key, value []byte) error {
	if err := s.txn.Set(key, value); err != nil {
		return errBackend("Put", err)
	}
	return nil
}

func (s *TiKVStore) Delete(key []byte) error {
	if err := s.txn.Delete(key); err != nil {
		return errBackend("Delete", err)
	}
	return nil
}

func (s *TiKVStore) Scan(lower, upper []byte, limit int) ([]KV, error) {
	iter, err := s.txn.Iter(lower, upper)
	if err != nil {
		return nil, errBackend("Scan", err)
	}
	defer iter.Close()

	var out []KV
	for iter.Valid() {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, KV{
			Key:   append([]byte(nil), iter.Key()...),
			Value: append([]byte(nil), iter.Value()...),
		})
		if err := iter.Next(); err != nil {
			return nil, errBackend("Scan", err)
		}
	}
	return out, nil
}

func (s *TiKVStore) Commit() error {
	if err := s.txn.Commit(s.ctx); err != nil {
		if isConflictErr(err) {
			return errConflict()
		}
		return errBackend("Commit", err)
	}
	return nil
}

func (s *TiKVStore) Rollback() error {
	if err := s.txn.Rollback(); err != nil {
		return errBackend("Rollback", err)
	}
	return nil
}

// isConflictErr recognizes the distinguished retryable-conflict family of
// client-go errors: optimistic write conflicts and the retryable errors that
// wrap them. client-go's own error hierarchy has shifted field shapes across
// minor versions, so this falls back to a substring match on top of the
// typed checks rather than asserting an exact wrapped type.
func isConflictErr(err error) bool {
	var writeConflict *tikverr.ErrWriteConflict
	if errors.As(err, &writeConflict) {
		return true
	}
	var retryable *tikverr.ErrRetryable
	if errors.As(err, &retryable) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "WriteConflict") || strings.Contains(msg, "TxnLockNotFound")
}
