package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
	"github.com/tendermint/swarmsync/version"
)

const (
	storageRPCPath = "/storage_rpc/" + version.StorageRPCVersion

	// responses larger than this are refused
	maxResponseBodyBytes = 10 << 20
)

// HTTPClient implements Client over the storage nodes' HTTPS JSON endpoint.
type HTTPClient struct {
	logger  log.Logger
	client  *http.Client
	timeout time.Duration
}

var _ Client = (*HTTPClient)(nil)

// DefaultHTTPClient is used to create an http client with some default
// parameters. Storage nodes present self-signed certificates, so chain
// verification can be switched off.
func DefaultHTTPClient(insecureSkipVerify bool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			// Set to true to prevent GZIP-bomb DoS attacks
			DisableCompression: true,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: insecureSkipVerify, //nolint:gosec
			},
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost: 4,
		},
	}
}

// NewHTTPClient returns a Client using client for transport. Every batch is
// bounded by timeout.
func NewHTTPClient(logger log.Logger, client *http.Client, timeout time.Duration) *HTTPClient {
	if client == nil {
		panic("nil http.Client provided")
	}
	return &HTTPClient{
		logger:  logger.With("module", "rpc"),
		client:  client,
		timeout: timeout,
	}
}

type batchRequest struct {
	Method string      `json:"method"`
	Params batchParams `json:"params"`
}

type batchParams struct {
	Requests []SubRequest `json:"requests"`
}

type batchResponse struct {
	Results []SubResult `json:"results"`
}

// NodeURL returns the endpoint batches for node are posted to.
func NodeURL(node types.Node) string {
	u := url.URL{Scheme: "https", Host: node.HostPort(), Path: storageRPCPath}
	return u.String()
}

// Batch implements Client.
func (c *HTTPClient) Batch(ctx context.Context, node types.Node, reqs []SubRequest) ([]SubResult, error) {
	if len(reqs) == 0 {
		return nil, errors.New("empty batch")
	}
	payload, err := json.Marshal(batchRequest{Method: "batch", Params: batchParams{Requests: reqs}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, NodeURL(node), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		c.logger.Debug("batch request failed", "node", node.String(), "err", err)
		return nil, fmt.Errorf("%w %s: %v", ErrNoConnection, node, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &StatusError{Node: node.Address(), Code: httpResp.StatusCode, Body: string(body)}
	}

	var resp batchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid batch response from %s: %w", node, err)
	}
	if len(resp.Results) != len(reqs) {
		return nil, fmt.Errorf("asked %d sub-requests from %s but got %d results", len(reqs), node, len(resp.Results))
	}
	return resp.Results, nil
}
