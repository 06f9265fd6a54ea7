package rpc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tendermint/swarmsync/crypto/ed25519"
	"github.com/tendermint/swarmsync/types"
)

// ErrCannotSign is returned by a RequestSigner that holds no key for the
// identifier it was asked to sign for.
var ErrCannotSign = errors.New("no signing key for identifier")

// Signature authenticates a sub-request on behalf of an identifier.
type Signature struct {
	Pubkey        string
	PubkeyEd25519 string
	// base64 encoded
	Signature string
}

// RequestSigner signs sub-request payloads for the identifiers it owns.
type RequestSigner interface {
	Sign(identifier string, payload []byte) (Signature, error)
}

// AccountSigner signs with the polling account's ed25519 key.
type AccountSigner struct {
	key types.AccountKey
}

var _ RequestSigner = (*AccountSigner)(nil)

// NewAccountSigner returns a signer for key.ID.
func NewAccountSigner(key types.AccountKey) *AccountSigner {
	return &AccountSigner{key: key}
}

// Sign implements RequestSigner.
func (s *AccountSigner) Sign(identifier string, payload []byte) (Signature, error) {
	if identifier != s.key.ID {
		return Signature{}, fmt.Errorf("%w: %s", ErrCannotSign, types.ShortKey(identifier))
	}
	sig, err := s.key.PrivKey.Sign(payload)
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		Pubkey:        s.key.ID,
		PubkeyEd25519: s.key.PubKey().Hex(),
		Signature:     base64.StdEncoding.EncodeToString(sig),
	}, nil
}

//-----------------------------------------------------------------------------
// signed payloads

// RetrievePayload is the signed data of a retrieve. The default namespace is
// left out.
func RetrievePayload(ns types.Namespace, timestampMs int64) []byte {
	nsPart := ""
	if ns != types.NamespaceDefault {
		nsPart = strconv.Itoa(int(ns))
	}
	return methodPayload("retrieve", nsPart, timestampMs)
}

// DeleteAllPayload is the signed data of a delete_all over every namespace.
func DeleteAllPayload(timestampMs int64) []byte {
	return methodPayload("delete_all", "all", timestampMs)
}

func methodPayload(method, ns string, timestampMs int64) []byte {
	return []byte(method + ns + strconv.FormatInt(timestampMs, 10))
}

// ExpirePayload is the signed data of an expire request setting an absolute
// expiry, which leaves the shorten/extend marker empty.
func ExpirePayload(expiryMs int64, hashes []string) []byte {
	return []byte("expire" + strconv.FormatInt(expiryMs, 10) + strings.Join(hashes, ""))
}

// DeletePayload is the signed data of a delete request.
func DeletePayload(hashes []string) []byte {
	return []byte("delete" + strings.Join(hashes, ""))
}

// DeleteAckPayload is what a swarm member signs to acknowledge a delete.
func DeleteAckPayload(identifier string, requested, deleted []string) []byte {
	return []byte(identifier + strings.Join(requested, "") + strings.Join(deleted, ""))
}

// DeleteAllAckPayload is what a swarm member signs to acknowledge a
// delete_all. Hashes from all namespaces are sorted together.
func DeleteAllAckPayload(identifier string, timestampMs int64, deleted map[string][]string) []byte {
	var hashes []string
	for _, hs := range deleted {
		hashes = append(hashes, hs...)
	}
	sort.Strings(hashes)
	return []byte(identifier + strconv.FormatInt(timestampMs, 10) + strings.Join(hashes, ""))
}

// VerifyAck checks a member's base64 signature over payload. member is the
// member's ed25519 key in hex.
func VerifyAck(member, signature string, payload []byte) bool {
	pub, err := ed25519.PubKeyFromHex(member)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return pub.VerifySignature(payload, sig)
}
