package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tendermint/swarmsync/types"
)

var nodeFields = map[string]bool{
	"public_ip":      true,
	"storage_port":   true,
	"pubkey_x25519":  true,
	"pubkey_ed25519": true,
}

// NodeListParams selects the active nodes and the fields a types.Node is
// built from.
func NodeListParams() map[string]interface{} {
	return map[string]interface{}{
		"active_only": true,
		"fields":      nodeFields,
	}
}

// GetSwarm asks a node for the replica set of identifier.
func GetSwarm(identifier string) SubRequest {
	return SubRequest{
		Method: "get_swarm",
		Params: map[string]interface{}{
			"pubkey": identifier,
			"params": NodeListParams(),
		},
	}
}

// GetServiceNodes asks a node for its view of the whole pool. No limit is
// set: the answer is compared across nodes.
func GetServiceNodes() SubRequest {
	return SubRequest{
		Method: "oxend_request",
		Params: map[string]interface{}{
			"endpoint": "get_service_nodes",
			"params":   NodeListParams(),
		},
	}
}

// Info is the liveness and capability probe used for guard selection.
func Info() SubRequest {
	return SubRequest{Method: "info", Params: map[string]interface{}{}}
}

// RetrieveParams are the parameters of one namespace retrieve.
type RetrieveParams struct {
	Pubkey        string          `json:"pubkey"`
	Namespace     types.Namespace `json:"namespace"`
	LastHash      string          `json:"last_hash"`
	MaxSize       int             `json:"max_size,omitempty"`
	PubkeyEd25519 string          `json:"pubkey_ed25519,omitempty"`
	Signature     string          `json:"signature,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
}

// Retrieve builds a retrieve sub-request. Unsigned retrieves carry no
// timestamp, otherwise nodes require a signature.
func Retrieve(p RetrieveParams) SubRequest {
	return SubRequest{Method: "retrieve", Params: p}
}

// ExpireParams extend or shorten the expiry of messages.
type ExpireParams struct {
	Pubkey        string   `json:"pubkey"`
	PubkeyEd25519 string   `json:"pubkey_ed25519,omitempty"`
	Signature     string   `json:"signature"`
	Messages      []string `json:"messages"`
	Expiry        int64    `json:"expiry"`
}

// Expire builds an expire sub-request.
func Expire(p ExpireParams) SubRequest {
	return SubRequest{Method: "expire", Params: p}
}

// DeleteParams delete the listed messages.
type DeleteParams struct {
	Pubkey        string   `json:"pubkey"`
	PubkeyEd25519 string   `json:"pubkey_ed25519,omitempty"`
	Messages      []string `json:"messages"`
	Signature     string   `json:"signature"`
}

// Delete builds a delete sub-request.
func Delete(p DeleteParams) SubRequest {
	return SubRequest{Method: "delete", Params: p}
}

// DeleteAllParams wipe every namespace of an account.
type DeleteAllParams struct {
	Pubkey        string `json:"pubkey"`
	PubkeyEd25519 string `json:"pubkey_ed25519,omitempty"`
	Timestamp     int64  `json:"timestamp"`
	Namespace     string `json:"namespace"`
	Signature     string `json:"signature,omitempty"`
}

// DeleteAll builds a delete_all sub-request.
func DeleteAll(p DeleteAllParams) SubRequest {
	return SubRequest{Method: "delete_all", Params: p}
}

//-----------------------------------------------------------------------------
// response bodies

// RetrieveBody is the body of a successful retrieve.
type RetrieveBody struct {
	Messages []types.RetrieveItem `json:"messages"`
	More     bool                 `json:"more"`
	// network time in milliseconds
	T int64 `json:"t"`
}

// SwarmMember is the per member outcome of a request a node fanned out to
// its whole swarm.
type SwarmMember struct {
	Failed    bool   `json:"failed,omitempty"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Signature string `json:"signature,omitempty"`
	// hashes the member deleted, single delete
	Deleted json.RawMessage `json:"deleted,omitempty"`
}

// SwarmBody is the body of a request fanned out to the swarm, keyed by the
// members' ed25519 keys.
type SwarmBody struct {
	Swarm map[string]SwarmMember `json:"swarm"`
}

// DeletedHashes returns the hashes of a single delete acknowledgment.
func (m SwarmMember) DeletedHashes() ([]string, error) {
	var hashes []string
	if len(m.Deleted) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(m.Deleted, &hashes); err != nil {
		return nil, fmt.Errorf("deleted is not a hash list: %w", err)
	}
	return hashes, nil
}

// DeletedByNamespace returns the hashes of a delete_all acknowledgment,
// which are grouped by namespace.
func (m SwarmMember) DeletedByNamespace() (map[string][]string, error) {
	var byNs map[string][]string
	if len(m.Deleted) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(m.Deleted, &byNs); err != nil {
		return nil, fmt.Errorf("deleted is not grouped by namespace: %w", err)
	}
	return byNs, nil
}

type wireNode struct {
	IP            string      `json:"ip"`
	PublicIP      string      `json:"public_ip"`
	Port          json.Number `json:"port"`
	StoragePort   json.Number `json:"storage_port"`
	PubkeyEd25519 string      `json:"pubkey_ed25519"`
	PubkeyX25519  string      `json:"pubkey_x25519"`
}

func (w wireNode) toNode() (types.Node, error) {
	ip := w.PublicIP
	if ip == "" {
		ip = w.IP
	}
	port := w.StoragePort
	if port == "" {
		port = w.Port
	}
	p, err := strconv.ParseUint(port.String(), 10, 16)
	if err != nil {
		return types.Node{}, fmt.Errorf("invalid port %q: %w", port, err)
	}
	n := types.Node{
		PubkeyEd25519: w.PubkeyEd25519,
		PubkeyX25519:  w.PubkeyX25519,
		IP:            ip,
		Port:          uint16(p),
	}
	return n, n.Validate()
}

// ParseNodes converts wire node descriptions, dropping the invalid ones
// (nodes without a routable address report 0.0.0.0).
func ParseNodes(raw []json.RawMessage) []types.Node {
	nodes := make([]types.Node, 0, len(raw))
	for _, r := range raw {
		var w wireNode
		if err := json.Unmarshal(r, &w); err != nil {
			continue
		}
		n, err := w.toNode()
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// DecodeSwarm parses the body of a get_swarm result.
func DecodeSwarm(res SubResult) ([]types.Node, error) {
	var body struct {
		Snodes []json.RawMessage `json:"snodes"`
	}
	if err := res.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid get_swarm body: %w", err)
	}
	return ParseNodes(body.Snodes), nil
}

// ServiceNodeStates is the result object of get_service_nodes and of the
// seed nodes' get_n_service_nodes.
type ServiceNodeStates struct {
	ServiceNodeStates []json.RawMessage `json:"service_node_states"`
}

// DecodeServiceNodes parses the body of an oxend get_service_nodes result.
func DecodeServiceNodes(res SubResult) ([]types.Node, error) {
	var body struct {
		Result ServiceNodeStates `json:"result"`
	}
	if err := res.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid get_service_nodes body: %w", err)
	}
	return ParseNodes(body.Result.ServiceNodeStates), nil
}
