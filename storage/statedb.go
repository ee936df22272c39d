package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/crypto"
)

// registerPrefix records a state-key prefix so that ComputeRoot always
// covers it. Every state prefix must be declared through this function.
func registerPrefix(p string) string {
	statePrefixes = append(statePrefixes, p)
	return p
}

var statePrefixes []string

var (
	prefixAccount = registerPrefix("acct:")
	prefixPool    = registerPrefix("pool:")
	prefixEscrow  = registerPrefix("escrow:")
)

// Lock keys for KeyLocks, one namespace per record kind.
func AccountKey(address string) string { return prefixAccount + address }
func PoolKey(address string) string    { return prefixPool + address }
func EscrowKey(address string) string  { return prefixEscrow + address }

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with an in-memory write
// buffer, snapshot/rollback and deterministic state-root computation.
// It is safe for concurrent use; callers that need read-modify-write
// atomicity across records serialise through KeyLocks.
type StateDB struct {
	mu        sync.RWMutex
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) getJSON(key string, v any) error {
	data, err := s.get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *StateDB) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleted, key)
	s.dirty[key] = data
	return nil
}

// createJSON writes v only if key is absent, checking and writing under one
// lock so two creators cannot both succeed.
func (s *StateDB) createJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.deleted[key] {
		if _, ok := s.dirty[key]; ok {
			return core.ErrAlreadyExists
		}
		_, err := s.db.Get([]byte(key))
		if err == nil {
			return core.ErrAlreadyExists
		}
		if !errors.Is(err, core.ErrNotFound) {
			return err
		}
	}
	delete(s.deleted, key)
	s.dirty[key] = data
	return nil
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	var acc core.Account
	err := s.getJSON(prefixAccount+address, &acc)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	return s.putJSON(prefixAccount+acc.Address, acc)
}

// ---- Pool ----

func (s *StateDB) GetPool(address string) (*core.Pool, error) {
	var p core.Pool
	if err := s.getJSON(prefixPool+address, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *StateDB) SetPool(p *core.Pool) error {
	return s.putJSON(prefixPool+p.Address, p)
}

func (s *StateDB) CreatePool(p *core.Pool) error {
	return s.createJSON(prefixPool+p.Address, p)
}

// ---- Escrow ----

func (s *StateDB) GetEscrow(address string) (*core.Escrow, error) {
	var e core.Escrow
	if err := s.getJSON(prefixEscrow+address, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *StateDB) SetEscrow(e *core.Escrow) error {
	return s.putJSON(prefixEscrow+e.Address, e)
}

func (s *StateDB) CreateEscrow(e *core.Escrow) error {
	return s.createJSON(prefixEscrow+e.Address, e)
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, stateSnapshot{
		dirty:   cloneDirty(s.dirty),
		deleted: cloneDeleted(s.deleted),
	})
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a saved snapshot and drops
// every later snapshot.
func (s *StateDB) RevertToSnapshot(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]
	s.dirty = cloneDirty(snap.dirty)
	s.deleted = cloneDeleted(snap.deleted)
	s.snapshots = s.snapshots[:id]
	return nil
}

// Discard drops the write buffer and all snapshots without touching the DB.
func (s *StateDB) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
}

// ComputeRoot returns the deterministic hash of the complete world state:
// persisted entries under the registered prefixes merged with the write
// buffer, sorted by key and length-prefix encoded. It does not flush.
func (s *StateDB) ComputeRoot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make(map[string][]byte)
	for _, prefix := range statePrefixes {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			merged[string(it.Key())] = v
		}
		it.Release()
	}
	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf.Write(lenBuf[:])
		buf.WriteString(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit flushes the write buffer to the DB in one batch and clears it.
func (s *StateDB) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}

func cloneDirty(m map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func cloneDeleted(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
