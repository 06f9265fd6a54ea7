package retrieve

import (
	"sync"
	"time"

	"github.com/tendermint/swarmsync/internal/store"
	"github.com/tendermint/swarmsync/types"
)

// CursorStore persists resume cursors.
type CursorStore interface {
	LoadLastHash(node, identifier string, ns types.Namespace) (store.LastHash, bool, error)
	SaveLastHash(lh store.LastHash) error
}

type cursorKey struct {
	node       string
	identifier string
	ns         types.Namespace
}

// Cursors is the (node, identifier, namespace) → last hash table. Lookups
// read through to the store once; writes hit the store only on change.
type Cursors struct {
	store CursorStore

	mtx   sync.Mutex
	cache map[cursorKey]string
}

// NewCursors returns an empty table over st.
func NewCursors(st CursorStore) *Cursors {
	return &Cursors{store: st, cache: make(map[cursorKey]string)}
}

// Get returns the cursor, or "" when retrieval starts from the beginning.
func (c *Cursors) Get(node, identifier string, ns types.Namespace) (string, error) {
	key := cursorKey{node, identifier, ns}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if hash, ok := c.cache[key]; ok {
		return hash, nil
	}
	lh, _, err := c.store.LoadLastHash(node, identifier, ns)
	if err != nil {
		return "", err
	}
	c.cache[key] = lh.Hash
	return lh.Hash, nil
}

// Has reports whether a cursor is known for any of namespaces.
func (c *Cursors) Has(node, identifier string, namespaces []types.Namespace) (bool, error) {
	for _, ns := range namespaces {
		hash, err := c.Get(node, identifier, ns)
		if err != nil {
			return false, err
		}
		if hash != "" {
			return true, nil
		}
	}
	return false, nil
}

// Update records hash as the cursor, persisting it only when it changed.
func (c *Cursors) Update(node, identifier string, ns types.Namespace, hash string, expiresAt time.Time) error {
	current, err := c.Get(node, identifier, ns)
	if err != nil {
		return err
	}
	if current == hash {
		return nil
	}
	if err := c.store.SaveLastHash(store.LastHash{
		Node:       node,
		Identifier: identifier,
		Namespace:  ns,
		Hash:       hash,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return err
	}

	c.mtx.Lock()
	c.cache[cursorKey{node, identifier, ns}] = hash
	c.mtx.Unlock()
	return nil
}

// Forget drops the cached cursors so they are read from the store again.
func (c *Cursors) Forget() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.cache = make(map[cursorKey]string)
}
