package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/swarmsync/types"
)

/*
Store is the persistent half of every cache the client keeps.

There are six kinds of records:
  - Pool:        the last known storage node pool, a single record
  - Swarm:       the replica set of one identifier
  - LastHash:    the resume cursor of one (node, identifier, namespace)
  - Unprocessed: one retrieved envelope that was not handled yet
  - Seen:        one message hash already handed downstream
  - Guards:      the selected entry guards, a single record

Values are JSON encoded. Store is safe for concurrent use as long as the
underlying DB is.
*/
type Store struct {
	db dbm.DB

	// guards the unprocessed sequence counter
	seqMtx sync.Mutex
}

// LastHash is a persisted resume cursor.
type LastHash struct {
	Node       string          `json:"node"`
	Identifier string          `json:"identifier"`
	Namespace  types.Namespace `json:"namespace"`
	Hash       string          `json:"hash"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// NewStore returns a Store backed by db.
func NewStore(db dbm.DB) *Store {
	return &Store{db: db}
}

//---------------------------------- POOL -----------------------------------------

// LoadPool returns the persisted pool, or nil if none was saved.
func (s *Store) LoadPool() ([]types.Node, error) {
	var nodes []types.Node
	if _, err := s.get(poolKey(), &nodes); err != nil {
		return nil, fmt.Errorf("loading pool: %w", err)
	}
	return nodes, nil
}

// SavePool replaces the persisted pool.
func (s *Store) SavePool(nodes []types.Node) error {
	return s.set(poolKey(), nodes)
}

//---------------------------------- SWARMS ---------------------------------------

// LoadSwarm returns the persisted replica set of identifier.
func (s *Store) LoadSwarm(identifier string) ([]string, error) {
	var members []string
	if _, err := s.get(swarmKey(identifier), &members); err != nil {
		return nil, fmt.Errorf("loading swarm of %s: %w", identifier, err)
	}
	return members, nil
}

// SaveSwarm replaces the persisted replica set of identifier.
func (s *Store) SaveSwarm(identifier string, members []string) error {
	return s.set(swarmKey(identifier), members)
}

// ClearSwarms removes every persisted replica set.
func (s *Store) ClearSwarms() error {
	start, end := prefixRange(prefixSwarm)
	_, err := s.deleteRange(start, end, nil)
	return err
}

// PruneSwarmMembers drops from every persisted replica set the members for
// which keep reports false. It returns the number of records rewritten.
func (s *Store) PruneSwarmMembers(keep func(member string) bool) (uint64, error) {
	start, end := prefixRange(prefixSwarm)
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return 0, err
	}

	updates := make(map[string][]string)
	for ; iter.Valid(); iter.Next() {
		var members []string
		if err := json.Unmarshal(iter.Value(), &members); err != nil {
			continue
		}
		kept := members[:0:0]
		for _, m := range members {
			if keep(m) {
				kept = append(kept, m)
			}
		}
		if len(kept) != len(members) {
			updates[string(iter.Key())] = kept
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for key, members := range updates {
		bz, err := json.Marshal(members)
		if err != nil {
			return 0, err
		}
		if err := batch.Set([]byte(key), bz); err != nil {
			return 0, err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return 0, err
	}
	return uint64(len(updates)), nil
}

//---------------------------------- CURSORS --------------------------------------

// LoadLastHash returns the cursor of (node, identifier, namespace). The
// boolean is false when none is stored.
func (s *Store) LoadLastHash(node, identifier string, ns types.Namespace) (LastHash, bool, error) {
	var lh LastHash
	ok, err := s.get(lastHashKey(node, identifier, ns), &lh)
	if err != nil {
		return LastHash{}, false, fmt.Errorf("loading last hash: %w", err)
	}
	return lh, ok, nil
}

// SaveLastHash persists a cursor.
func (s *Store) SaveLastHash(lh LastHash) error {
	return s.set(lastHashKey(lh.Node, lh.Identifier, lh.Namespace), lh)
}

// PruneLastHashes deletes cursors that expired before now.
func (s *Store) PruneLastHashes(now time.Time) (uint64, error) {
	start, end := prefixRange(prefixLastHash)
	return s.deleteRange(start, end, func(value []byte) (bool, error) {
		var lh LastHash
		if err := json.Unmarshal(value, &lh); err != nil {
			return true, nil
		}
		return !lh.ExpiresAt.IsZero() && lh.ExpiresAt.Before(now), nil
	})
}

//---------------------------------- UNPROCESSED ----------------------------------

// SaveUnprocessed inserts or replaces an envelope. A new envelope gets the
// next insertion sequence number, a replaced one keeps its own.
func (s *Store) SaveUnprocessed(env types.UnprocessedEnvelope) error {
	if env.ID == "" {
		return errors.New("unprocessed envelope without id")
	}

	s.seqMtx.Lock()
	defer s.seqMtx.Unlock()

	prev, ok, err := s.GetUnprocessed(env.ID)
	if err != nil {
		return err
	}
	if ok {
		env.Seq = prev.Seq
		return s.set(unprocessedKey(env.ID), env)
	}

	var last uint64
	if _, err := s.get(unprocessedSeqKey(), &last); err != nil {
		return fmt.Errorf("loading unprocessed sequence: %w", err)
	}
	env.Seq = last + 1

	bz, err := json.Marshal(env)
	if err != nil {
		return err
	}
	seqBz, err := json.Marshal(env.Seq)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(unprocessedKey(env.ID), bz); err != nil {
		return err
	}
	if err := batch.Set(unprocessedSeqKey(), seqBz); err != nil {
		return err
	}
	return batch.WriteSync()
}

// GetUnprocessed returns one envelope. The boolean is false when absent.
func (s *Store) GetUnprocessed(id string) (types.UnprocessedEnvelope, bool, error) {
	var env types.UnprocessedEnvelope
	ok, err := s.get(unprocessedKey(id), &env)
	if err != nil {
		return types.UnprocessedEnvelope{}, false, fmt.Errorf("loading unprocessed %s: %w", id, err)
	}
	return env, ok, nil
}

// UpdateUnprocessedAttempts sets the attempt counter of an envelope. Missing
// envelopes are ignored.
func (s *Store) UpdateUnprocessedAttempts(id string, attempts int) error {
	env, ok, err := s.GetUnprocessed(id)
	if err != nil || !ok {
		return err
	}
	env.Attempts = attempts
	return s.SaveUnprocessed(env)
}

// RemoveUnprocessed deletes an envelope. Deleting a missing one is a no-op.
func (s *Store) RemoveUnprocessed(id string) error {
	return s.db.Delete(unprocessedKey(id))
}

// RemoveAllUnprocessed empties the backlog.
func (s *Store) RemoveAllUnprocessed() error {
	start, end := prefixRange(prefixUnprocessed)
	_, err := s.deleteRange(start, end, nil)
	return err
}

// CountUnprocessed returns the backlog size.
func (s *Store) CountUnprocessed() (int, error) {
	start, end := prefixRange(prefixUnprocessed)
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for ; iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}

// ListUnprocessed returns the backlog in arrival order.
func (s *Store) ListUnprocessed() ([]types.UnprocessedEnvelope, error) {
	start, end := prefixRange(prefixUnprocessed)
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var envs []types.UnprocessedEnvelope
	for ; iter.Valid(); iter.Next() {
		var env types.UnprocessedEnvelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return nil, fmt.Errorf("invalid unprocessed envelope at key %X: %w", iter.Key(), err)
		}
		envs = append(envs, env)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(envs, func(i, j int) bool {
		if !envs[i].InsertedAt.Equal(envs[j].InsertedAt) {
			return envs[i].InsertedAt.Before(envs[j].InsertedAt)
		}
		return envs[i].Seq < envs[j].Seq
	})
	return envs, nil
}

//---------------------------------- SEEN HASHES ----------------------------------

// SeenHashes returns which of hashes were already recorded.
func (s *Store) SeenHashes(hashes []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	for _, h := range hashes {
		ok, err := s.db.Has(seenKey(h))
		if err != nil {
			return nil, err
		}
		if ok {
			seen[h] = true
		}
	}
	return seen, nil
}

// SaveSeenHashes records hashes in a single batch.
func (s *Store) SaveSeenHashes(seen []types.SeenHash) error {
	if len(seen) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, sh := range seen {
		bz, err := json.Marshal(sh)
		if err != nil {
			return err
		}
		if err := batch.Set(seenKey(sh.Hash), bz); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// PruneSeenHashes deletes seen hashes that expired at or before now.
func (s *Store) PruneSeenHashes(now time.Time) (uint64, error) {
	start, end := prefixRange(prefixSeen)
	return s.deleteRange(start, end, func(value []byte) (bool, error) {
		var sh types.SeenHash
		if err := json.Unmarshal(value, &sh); err != nil {
			return true, nil
		}
		return sh.Expired(now), nil
	})
}

//---------------------------------- GUARDS ---------------------------------------

// LoadGuards returns the addresses of the persisted entry guards.
func (s *Store) LoadGuards() ([]string, error) {
	var guards []string
	if _, err := s.get(guardsKey(), &guards); err != nil {
		return nil, fmt.Errorf("loading guards: %w", err)
	}
	return guards, nil
}

// SaveGuards replaces the persisted entry guards.
func (s *Store) SaveGuards(guards []string) error {
	return s.set(guardsKey(), guards)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

//-----------------------------------------------------------------------------

func (s *Store) get(key []byte, v interface{}) (bool, error) {
	bz, err := s.db.Get(key)
	if err != nil {
		return false, err
	}
	if len(bz) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(bz, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) set(key []byte, v interface{}) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.SetSync(key, bz)
}

// deleteRange deletes every key in [start, end) for which match reports
// true, or every key when match is nil. Keys are collected first since
// tm-db iterators must not be mutated under.
func (s *Store) deleteRange(start, end []byte, match func(value []byte) (bool, error)) (uint64, error) {
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return 0, err
	}

	var keys [][]byte
	for ; iter.Valid(); iter.Next() {
		if match != nil {
			ok, err := match(iter.Value())
			if err != nil {
				iter.Close()
				return 0, err
			}
			if !ok {
				continue
			}
		}
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		keys = append(keys, key)
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return 0, fmt.Errorf("pruning error at key %X: %w", key, err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return 0, err
	}
	return uint64(len(keys)), nil
}

//---------------------------------- KEY ENCODING -----------------------------------------

const (
	prefixPool        = int64(1)
	prefixSwarm       = int64(2)
	prefixLastHash    = int64(3)
	prefixUnprocessed = int64(4)
	prefixSeq         = int64(5)
	prefixSeen        = int64(6)
	prefixGuards      = int64(7)
)

func poolKey() []byte {
	key, err := orderedcode.Append(nil, prefixPool)
	if err != nil {
		panic(err)
	}
	return key
}

func swarmKey(identifier string) []byte {
	key, err := orderedcode.Append(nil, prefixSwarm, identifier)
	if err != nil {
		panic(err)
	}
	return key
}

func lastHashKey(node, identifier string, ns types.Namespace) []byte {
	key, err := orderedcode.Append(nil, prefixLastHash, node, identifier, int64(ns))
	if err != nil {
		panic(err)
	}
	return key
}

func unprocessedKey(id string) []byte {
	key, err := orderedcode.Append(nil, prefixUnprocessed, id)
	if err != nil {
		panic(err)
	}
	return key
}

func unprocessedSeqKey() []byte {
	key, err := orderedcode.Append(nil, prefixSeq, "unprocessed")
	if err != nil {
		panic(err)
	}
	return key
}

func seenKey(hash string) []byte {
	key, err := orderedcode.Append(nil, prefixSeen, hash)
	if err != nil {
		panic(err)
	}
	return key
}

func guardsKey() []byte {
	key, err := orderedcode.Append(nil, prefixGuards)
	if err != nil {
		panic(err)
	}
	return key
}

// prefixRange generates start/end keys covering every key under prefix.
func prefixRange(prefix int64) ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefix+1)
	if err != nil {
		panic(err)
	}
	return start, end
}
