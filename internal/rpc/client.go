package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tendermint/swarmsync/types"
)

const (
	// StatusOK is reported by sub-requests that succeeded.
	StatusOK = 200
	// StatusNotInSwarm is reported by a node that is not part of the
	// identifier's swarm anymore.
	StatusNotInSwarm = 421
)

// ErrNoConnection is returned when a node could not be reached at all. It is
// the signal used to flip the connectivity flag to offline.
var ErrNoConnection = errors.New("could not connect to storage node")

// StatusError is returned when a node answers with a non 200 status, either
// for the whole batch or for the sub-request being looked at.
type StatusError struct {
	Node string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("storage node %s returned status %d: %s", types.ShortKey(e.Node), e.Code, e.Body)
}

// IsNotInSwarm reports whether err says the node left the swarm.
func IsNotInSwarm(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == StatusNotInSwarm
}

// SubRequest is one entry of a batch.
type SubRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// SubResult is the answer to one SubRequest, in the same position.
type SubResult struct {
	Code int             `json:"code"`
	Body json.RawMessage `json:"body"`
}

// OK reports whether the sub-request succeeded.
func (r SubResult) OK() bool { return r.Code == StatusOK }

// Decode unmarshals the body into v.
func (r SubResult) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(r.Body, v)
}

// Client sends batches of sub-requests to a single storage node. Results are
// returned in request order.
type Client interface {
	Batch(ctx context.Context, node types.Node, reqs []SubRequest) ([]SubResult, error)
}

// FirstOK returns the first result of a batch sent to node, or a StatusError
// when it did not succeed.
func FirstOK(node types.Node, res []SubResult) (SubResult, error) {
	if len(res) == 0 {
		return SubResult{}, fmt.Errorf("no result from %s", node)
	}
	if !res[0].OK() {
		return SubResult{}, &StatusError{Node: node.Address(), Code: res[0].Code, Body: string(res[0].Body)}
	}
	return res[0], nil
}
