package types

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"
	"golang.org/x/crypto/curve25519"

	"github.com/tendermint/swarmsync/crypto/ed25519"
)

//------------------------------------------------------------------------------
// Persistent account key

// AccountKey holds the keys of the polling account. Its ID is the x25519
// public key prefixed with AccountPrefix; requests are signed with the
// ed25519 key.
type AccountKey struct {
	ID            string          `json:"id"`
	PrivKey       ed25519.PrivKey `json:"priv_key"`
	X25519PrivKey []byte          `json:"x25519_priv_key"`
}

// PubKey returns the account's ed25519 public key.
func (ak AccountKey) PubKey() ed25519.PubKey {
	return ak.PrivKey.PubKey()
}

// Validate checks that the ID matches the x25519 key.
func (ak AccountKey) Validate() error {
	if len(ak.PrivKey) != ed25519.PrivateKeySize {
		return errors.New("invalid ed25519 private key")
	}
	id, err := accountIDFromX25519(ak.X25519PrivKey)
	if err != nil {
		return err
	}
	if id != ak.ID {
		return fmt.Errorf("account id %s does not match its key", ak.ID)
	}
	return nil
}

// SaveAs persists the AccountKey to filePath.
func (ak AccountKey) SaveAs(filePath string) error {
	jsonBytes, err := json.Marshal(ak)
	if err != nil {
		return err
	}
	return atomicfile.WriteData(filePath, jsonBytes, 0600)
}

// LoadOrGenAccountKey attempts to load the AccountKey from the given
// filePath. If the file does not exist, it generates and saves a new
// AccountKey.
func LoadOrGenAccountKey(filePath string) (AccountKey, error) {
	if _, err := os.Stat(filePath); err == nil {
		return LoadAccountKey(filePath)
	}

	accountKey, err := GenAccountKey()
	if err != nil {
		return AccountKey{}, err
	}
	if err := accountKey.SaveAs(filePath); err != nil {
		return AccountKey{}, err
	}
	return accountKey, nil
}

// GenAccountKey generates a new account key.
func GenAccountKey() (AccountKey, error) {
	x := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(x); err != nil {
		return AccountKey{}, err
	}
	id, err := accountIDFromX25519(x)
	if err != nil {
		return AccountKey{}, err
	}
	return AccountKey{
		ID:            id,
		PrivKey:       ed25519.GenPrivKey(),
		X25519PrivKey: x,
	}, nil
}

// LoadAccountKey loads AccountKey located in filePath.
func LoadAccountKey(filePath string) (AccountKey, error) {
	jsonBytes, err := os.ReadFile(filePath)
	if err != nil {
		return AccountKey{}, err
	}
	ak := AccountKey{}
	if err := json.Unmarshal(jsonBytes, &ak); err != nil {
		return AccountKey{}, err
	}
	if err := ak.Validate(); err != nil {
		return AccountKey{}, fmt.Errorf("invalid account key in %s: %w", filePath, err)
	}
	return ak, nil
}

func accountIDFromX25519(priv []byte) (string, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return AccountPrefix + hex.EncodeToString(pub), nil
}
