package rpc

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/swarmsync/crypto/ed25519"
	"github.com/tendermint/swarmsync/types"
)

func TestRetrievePayload(t *testing.T) {
	assert.Equal(t, "retrieve1700000000000", string(RetrievePayload(types.NamespaceDefault, 1700000000000)))
	assert.Equal(t, "retrieve-111700000000000", string(RetrievePayload(types.NamespaceGroupRevokedRetrievable, 1700000000000)))
	assert.Equal(t, "retrieve21", string(RetrievePayload(types.NamespaceUserProfile, 1)))
	assert.Equal(t, "delete_allall5", string(DeleteAllPayload(5)))
}

func TestAckPayloads(t *testing.T) {
	assert.Equal(t, "expire42h1h2", string(ExpirePayload(42, []string{"h1", "h2"})))
	assert.Equal(t, "deleteh1h2", string(DeletePayload([]string{"h1", "h2"})))
	assert.Equal(t, "05idh1h2h2", string(DeleteAckPayload("05id", []string{"h1", "h2"}, []string{"h2"})))
	assert.Equal(t, "05id7abc",
		string(DeleteAllAckPayload("05id", 7, map[string][]string{"0": {"c", "a"}, "2": {"b"}})))
}

func TestAccountSigner(t *testing.T) {
	key, err := types.GenAccountKey()
	require.NoError(t, err)
	signer := NewAccountSigner(key)

	payload := RetrievePayload(types.NamespaceUserGroups, 1234)
	sig, err := signer.Sign(key.ID, payload)
	require.NoError(t, err)
	assert.Equal(t, key.ID, sig.Pubkey)
	assert.Equal(t, key.PubKey().Hex(), sig.PubkeyEd25519)
	assert.True(t, VerifyAck(sig.PubkeyEd25519, sig.Signature, payload))
	assert.False(t, VerifyAck(sig.PubkeyEd25519, sig.Signature, []byte("tampered")))

	_, err = signer.Sign("05someoneelse", payload)
	assert.ErrorIs(t, err, ErrCannotSign)
}

func TestVerifyAckRejectsGarbage(t *testing.T) {
	priv := ed25519.GenPrivKey()
	sig, err := priv.Sign([]byte("data"))
	require.NoError(t, err)
	b64 := base64.StdEncoding.EncodeToString(sig)

	assert.True(t, VerifyAck(priv.PubKey().Hex(), b64, []byte("data")))
	assert.False(t, VerifyAck("zz", b64, []byte("data")))
	assert.False(t, VerifyAck(priv.PubKey().Hex(), "%%%", []byte("data")))
}
