// Package seed bootstraps the storage node pool from the well known seed
// nodes.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mroth/weightedrand"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/internal/rpc"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
	"github.com/tendermint/swarmsync/version"
)

const (
	// DefaultMaxRetries bounds the attempts of one FetchPool call beyond the
	// first.
	DefaultMaxRetries = 3

	maxResponseBodyBytes = 20 << 20
)

// ErrEmptyPool is returned when a seed answered with no usable node.
var ErrEmptyPool = errors.New("seed returned no usable storage node")

// Fetcher provides a fresh pool from the seed nodes.
type Fetcher interface {
	FetchPool(ctx context.Context) ([]types.Node, error)
}

// Client is a JSON-RPC client for the seed nodes.
type Client struct {
	logger  log.Logger
	http    *http.Client
	chooser *weightedrand.Chooser
	timeout time.Duration

	// for tests
	newBackOff func() backoff.BackOff
}

var _ Fetcher = (*Client)(nil)

// NewClient returns a Client picking among seeds by weight.
func NewClient(logger log.Logger, httpClient *http.Client, seeds []config.SeedNode, timeout time.Duration) (*Client, error) {
	if len(seeds) == 0 {
		return nil, errors.New("no seed nodes configured")
	}
	choices := make([]weightedrand.Choice, 0, len(seeds))
	for _, s := range seeds {
		choices = append(choices, weightedrand.NewChoice(s.URL, s.Weight))
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return nil, fmt.Errorf("invalid seed weights: %w", err)
	}
	return &Client{
		logger:  logger.With("module", "seed"),
		http:    httpClient,
		chooser: chooser,
		timeout: timeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			return backoff.WithMaxRetries(b, DefaultMaxRetries)
		},
	}, nil
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type jsonRPCResponse struct {
	Result rpc.ServiceNodeStates `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// FetchPool asks a randomly picked seed for the whole pool, retrying with a
// different pick on failure. No limit is sent: the full list is needed to
// prune cached swarms.
func (c *Client) FetchPool(ctx context.Context) ([]types.Node, error) {
	var nodes []types.Node
	attempt := 0
	op := func() error {
		attempt++
		url := c.chooser.Pick().(string)
		fetched, err := c.fetchFrom(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		nodes = fetched
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Info("seed request failed", "attempt", attempt, "retry_in", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to fetch pool from seed after %d attempts: %w", attempt, err)
	}
	c.logger.Info("fetched pool from seed", "nodes", len(nodes))
	return nodes, nil
}

func (c *Client) fetchFrom(ctx context.Context, url string) ([]types.Node, error) {
	payload, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  "get_n_service_nodes",
		Params:  rpc.NodeListParams(),
	})
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("seed %s returned status %d", url, resp.StatusCode)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("invalid seed response from %s: %w", url, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("seed %s: %s (%d)", url, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	nodes := rpc.ParseNodes(rpcResp.Result.ServiceNodeStates)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPool, url)
	}
	return nodes, nil
}
