package node

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/creachadair/atomicfile"

	"github.com/tendermint/swarmsync/internal/ingest"
	"github.com/tendermint/swarmsync/libs/log"
	tmos "github.com/tendermint/swarmsync/libs/os"
	"github.com/tendermint/swarmsync/types"
)

// Inbox is the default ingest.Dispatcher. It leaves every delivery as a JSON
// file named after the delivery id in a directory, for another process to
// consume.
type Inbox struct {
	logger log.Logger
	dir    string
}

var _ ingest.Dispatcher = (*Inbox)(nil)

// NewInbox returns an Inbox writing to dir.
func NewInbox(logger log.Logger, dir string) *Inbox {
	return &Inbox{logger: logger.With("module", "inbox"), dir: dir}
}

type inboxEntry struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Group     string `json:"group,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Envelope  []byte `json:"envelope"`
	Decrypted []byte `json:"decrypted,omitempty"`
}

// Dispatch implements ingest.Dispatcher.
func (i *Inbox) Dispatch(ctx context.Context, d ingest.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tmos.EnsureDir(i.dir, 0700); err != nil {
		return err
	}
	bz, err := json.Marshal(inboxEntry{
		ID:        d.ID,
		Hash:      d.Hash,
		Group:     d.Group,
		Sender:    d.Sender,
		Envelope:  d.Envelope,
		Decrypted: d.Decrypted,
	})
	if err != nil {
		return err
	}
	if err := atomicfile.WriteData(filepath.Join(i.dir, d.ID+".json"), bz, 0600); err != nil {
		return err
	}
	i.logger.Debug("delivered", "id", d.ID, "group", types.ShortKey(d.Group))
	return nil
}
