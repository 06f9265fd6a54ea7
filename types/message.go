package types

import (
	"errors"
	"time"
)

// RetrieveItem is one stored message as returned by a storage node.
type RetrieveItem struct {
	Hash string `json:"hash"`
	// base64 encoded payload
	Data string `json:"data"`
	// milliseconds since epoch
	Expiration int64 `json:"expiration"`
	Timestamp  int64 `json:"timestamp"`
}

// ValidateBasic checks the fields every stored message carries.
func (it RetrieveItem) ValidateBasic() error {
	if it.Hash == "" {
		return errors.New("message without hash")
	}
	if it.Data == "" {
		return errors.New("message without data")
	}
	return nil
}

// ExpiresAt returns the message expiry as a time.
func (it RetrieveItem) ExpiresAt() time.Time {
	return time.UnixMilli(it.Expiration)
}

// NamespacedItem is a retrieved message tagged with the namespace it was
// read from.
type NamespacedItem struct {
	RetrieveItem
	Namespace Namespace
}

// UnprocessedEnvelope is a retrieved message durably cached until it has
// been fully handled.
type UnprocessedEnvelope struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Envelope  []byte `json:"envelope"`
	Decrypted []byte `json:"decrypted,omitempty"`
	// group identifier the envelope was retrieved for, empty for direct
	// messages
	Source string `json:"source,omitempty"`
	// apparent sender when it differs from the envelope's own source
	SenderIdentity string    `json:"sender_identity,omitempty"`
	Attempts       int       `json:"attempts"`
	InsertedAt     time.Time `json:"inserted_at"`
	// assigned by the store on first insert, orders envelopes that share
	// an InsertedAt
	Seq uint64 `json:"seq"`
}

// SeenHash records a message hash that was already handed downstream.
type SeenHash struct {
	Hash      string    `json:"hash"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record can be pruned at now.
func (s SeenHash) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
