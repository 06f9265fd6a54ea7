package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/tendermint/swarmsync/internal/poller"
	"github.com/tendermint/swarmsync/libs/log"
)

// GroupRegistry is the conversation layer's view of the followed groups.
type GroupRegistry interface {
	poller.GroupRegistry
	// Groups returns the identifiers to poll at start.
	Groups() []string
}

type groupsFile struct {
	Groups []groupEntry `toml:"group"`
}

type groupEntry struct {
	ID            string    `toml:"id"`
	LastActive    time.Time `toml:"last_active"`
	InvitePending bool      `toml:"invite_pending"`
}

// FileRegistry is a GroupRegistry read from a TOML file of [[group]] tables:
//
//	[[group]]
//	id = "03..."
//	last_active = 2024-03-01T10:00:00Z
//	invite_pending = false
type FileRegistry struct {
	path string

	mtx    sync.RWMutex
	groups map[string]groupEntry
}

var _ GroupRegistry = (*FileRegistry)(nil)

// LoadFileRegistry reads path. A missing file is an empty registry.
func LoadFileRegistry(path string) (*FileRegistry, error) {
	r := &FileRegistry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the file again.
func (r *FileRegistry) Reload() error {
	_, err := r.reload()
	return err
}

// Watch reloads the file whenever it changes, until ctx is done. onAdded
// receives the groups that were not in the registry before.
func (r *FileRegistry) Watch(ctx context.Context, logger log.Logger, onAdded func(ids []string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// editors replace the file, so the directory is watched
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch groups file %s: %w", r.path, err)
	}
	name := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			added, err := r.reload()
			if err != nil {
				logger.Error("failed to reload groups file", "err", err)
				continue
			}
			logger.Debug("reloaded groups file", "op", ev.Op.String(), "added", len(added))
			if len(added) > 0 && onAdded != nil {
				onAdded(added)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("groups file watcher failed", "err", err)
		}
	}
}

// reload reads the file and returns the groups it added, sorted.
func (r *FileRegistry) reload() ([]string, error) {
	var f groupsFile
	if _, err := toml.DecodeFile(r.path, &f); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read groups file %s: %w", r.path, err)
	}
	groups := make(map[string]groupEntry, len(f.Groups))
	for _, g := range f.Groups {
		if g.ID == "" {
			return nil, fmt.Errorf("group without id in %s", r.path)
		}
		groups[g.ID] = g
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	var added []string
	for id := range groups {
		if _, ok := r.groups[id]; !ok {
			added = append(added, id)
		}
	}
	sort.Strings(added)
	r.groups = groups
	return added, nil
}

// Groups implements GroupRegistry.
func (r *FileRegistry) Groups() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	ids := make([]string, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastActive implements poller.GroupRegistry.
func (r *FileRegistry) LastActive(identifier string) (time.Time, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	g, ok := r.groups[identifier]
	if !ok || g.LastActive.IsZero() {
		return time.Time{}, false
	}
	return g.LastActive, true
}

// IsTracked implements poller.GroupRegistry.
func (r *FileRegistry) IsTracked(identifier string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	_, ok := r.groups[identifier]
	return ok
}

// InvitePending implements poller.GroupRegistry.
func (r *FileRegistry) InvitePending(identifier string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.groups[identifier].InvitePending
}
