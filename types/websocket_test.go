package types

import (
	"encoding/base64"
	"testing"

	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractWebSocketContent(t *testing.T) {
	wrapped, err := WrapWebSocketContent([]byte("envelope"))
	require.NoError(t, err)

	body, err := ExtractWebSocketContent(wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte("envelope"), body)
}

func TestExtractWebSocketContentRejects(t *testing.T) {
	encode := func(m *WebSocketMessage) string {
		bz, err := proto.Marshal(m)
		require.NoError(t, err)
		return base64.StdEncoding.EncodeToString(bz)
	}

	testCases := []struct {
		name string
		data string
	}{
		{"not base64", "%%%"},
		{"not protobuf", base64.StdEncoding.EncodeToString([]byte{0xff, 0xff, 0xff})},
		{"response", encode(&WebSocketMessage{
			Type:     WebSocketMessage_RESPONSE,
			Response: &WebSocketResponseMessage{Status: 200},
		})},
		{"empty body", encode(&WebSocketMessage{
			Type:    WebSocketMessage_REQUEST,
			Request: &WebSocketRequestMessage{Verb: "PUT"},
		})},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractWebSocketContent(tc.data)
			assert.Error(t, err)
		})
	}
}
