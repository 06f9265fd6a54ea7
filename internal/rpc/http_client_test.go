package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
)

func nodeFor(t *testing.T, srv *httptest.Server) types.Node {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "https://"))
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return types.Node{
		PubkeyEd25519: strings.Repeat("ab", 32),
		PubkeyX25519:  strings.Repeat("cd", 32),
		IP:            host,
		Port:          uint16(p),
	}
}

func TestHTTPClientBatch(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, storageRPCPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req struct {
			Method string `json:"method"`
			Params struct {
				Requests []struct {
					Method string `json:"method"`
				} `json:"requests"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "batch", req.Method)
		require.Len(t, req.Params.Requests, 2)
		assert.Equal(t, "info", req.Params.Requests[0].Method)
		assert.Equal(t, "get_swarm", req.Params.Requests[1].Method)

		_, _ = w.Write([]byte(`{"results":[{"code":200,"body":{"version":[2,8,0]}},{"code":421,"body":"not in swarm"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(log.NewNopLogger(), DefaultHTTPClient(true), time.Second)
	res, err := c.Batch(context.Background(), nodeFor(t, srv), []SubRequest{Info(), GetSwarm("05aa")})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].OK())
	assert.False(t, res[1].OK())
	assert.Equal(t, StatusNotInSwarm, res[1].Code)
}

func TestHTTPClientBatchErrors(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			"http status",
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(StatusNotInSwarm)
				_, _ = w.Write([]byte("wrong swarm"))
			},
			func(t *testing.T, err error) {
				assert.True(t, IsNotInSwarm(err))
			},
		},
		{
			"result count mismatch",
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"results":[]}`))
			},
			func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "got 0 results")
				assert.False(t, errors.Is(err, ErrNoConnection))
			},
		},
		{
			"garbage",
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "invalid batch response")
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(tc.handler)
			defer srv.Close()

			c := NewHTTPClient(log.NewNopLogger(), DefaultHTTPClient(true), time.Second)
			_, err := c.Batch(context.Background(), nodeFor(t, srv), []SubRequest{Info()})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestHTTPClientNoConnection(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	node := nodeFor(t, srv)
	srv.Close()

	c := NewHTTPClient(log.NewNopLogger(), DefaultHTTPClient(true), time.Second)
	_, err := c.Batch(context.Background(), node, []SubRequest{Info()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoConnection))
}

func TestHTTPClientCanceled(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewHTTPClient(log.NewNopLogger(), DefaultHTTPClient(true), time.Second)
	_, err := c.Batch(ctx, nodeFor(t, srv), []SubRequest{Info()})
	assert.Equal(t, context.Canceled, err)
}
