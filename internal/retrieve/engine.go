// Package retrieve polls one identifier's swarm for new messages across the
// namespaces of its kind.
package retrieve

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/swarmsync/internal/netstatus"
	"github.com/tendermint/swarmsync/internal/rpc"
	"github.com/tendermint/swarmsync/internal/store"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
)

const (
	// ConfigExpiryExtension is how far the expiry of live config messages is
	// pushed on every poll.
	ConfigExpiryExtension = 30 * 24 * time.Hour
	// MaxNodeAttempts is the number of swarm members one poll tries when
	// members cannot be reached.
	MaxNodeAttempts = 3
)

// ConfigSyncer is the configuration state engine fed with the control
// namespaces of the Self and Group targets.
type ConfigSyncer interface {
	// CurrentHashes returns the hashes of the config messages currently in
	// use, which must not expire.
	CurrentHashes(ctx context.Context, target types.PollTarget) ([]string, error)
	// HandleConfigMessages applies control messages, in namespace table
	// order.
	HandleConfigMessages(ctx context.Context, target types.PollTarget, msgs []types.NamespacedItem) error
}

// Sink receives the content messages that were not seen before. group is
// empty for direct messages.
type Sink interface {
	HandleRequest(ctx context.Context, envelope []byte, group, hash string) error
}

// GroupTracker knows which groups the account still follows.
type GroupTracker interface {
	IsTracked(identifier string) bool
}

// SwarmResolver is the replica set cache.
type SwarmResolver interface {
	Resolve(ctx context.Context, identifier string) ([]types.Node, error)
	DropMember(identifier, address string) error
}

// FailureReporter counts node failures in the pool.
type FailureReporter interface {
	ReportFailure(address string) bool
}

// ConnectivityChecker decides whether an unreachable node means the network
// itself is gone.
type ConnectivityChecker interface {
	NodeUnreachable(ctx context.Context) bool
}

// Store is what the engine persists besides cursors.
type Store interface {
	CursorStore
	SeenHashes(hashes []string) (map[string]bool, error)
	SaveSeenHashes(seen []types.SeenHash) error
}

var _ Store = (*store.Store)(nil)

// Result summarizes one poll.
type Result struct {
	Target types.PollTarget
	Node   types.Node
	// unique content messages returned, before the seen-hash filter
	ContentCount int
	// messages handed to the sink
	Delivered int
	// the group is not tracked anymore; its messages were discarded
	Untracked bool
}

// Engine runs PollOnce. It is safe for concurrent use.
type Engine struct {
	logger  log.Logger
	store   Store
	cursors *Cursors
	swarms  SwarmResolver
	client  rpc.Client
	signer  rpc.RequestSigner
	status  *netstatus.Status
	sink    Sink

	configs  ConfigSyncer
	tracker  GroupTracker
	failures FailureReporter
	checker  ConnectivityChecker
	clock    clock.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfigSyncer feeds control messages to cs.
func WithConfigSyncer(cs ConfigSyncer) Option { return func(e *Engine) { e.configs = cs } }

// WithGroupTracker discards messages of groups gt does not track.
func WithGroupTracker(gt GroupTracker) Option { return func(e *Engine) { e.tracker = gt } }

// WithFailureReporter reports nodes that left a swarm to fr.
func WithFailureReporter(fr FailureReporter) Option { return func(e *Engine) { e.failures = fr } }

// WithConnectivityChecker lets cc flip the network offline when swarm
// members cannot be reached.
func WithConnectivityChecker(cc ConnectivityChecker) Option {
	return func(e *Engine) { e.checker = cc }
}

// WithClock sets the clock used for request timestamps.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// NewEngine returns an Engine.
func NewEngine(
	logger log.Logger,
	st Store,
	swarms SwarmResolver,
	client rpc.Client,
	signer rpc.RequestSigner,
	status *netstatus.Status,
	sink Sink,
	options ...Option,
) *Engine {
	e := &Engine{
		logger:  logger.With("module", "retrieve"),
		store:   st,
		cursors: NewCursors(st),
		swarms:  swarms,
		client:  client,
		signer:  signer,
		status:  status,
		sink:    sink,
		clock:   clock.New(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Cursors returns the engine's cursor table.
func (e *Engine) Cursors() *Cursors { return e.cursors }

// PollOnce retrieves new messages of target from one member of its swarm.
// Members that cannot be reached are dropped from the swarm and another one
// is tried, up to MaxNodeAttempts. It returns nil when nothing could be
// retrieved; failures are logged, not returned.
func (e *Engine) PollOnce(ctx context.Context, target types.PollTarget) *Result {
	namespaces := target.Kind.Namespaces()
	logger := e.logger.With("target", target.String())

	nodes, err := e.swarms.Resolve(ctx, target.ID)
	if err != nil {
		if errors.Is(err, rpc.ErrNoConnection) && ctx.Err() == nil {
			e.nodeUnreachable(ctx)
		}
		logger.Info("failed to resolve swarm", "err", err)
		return nil
	}
	if len(nodes) == 0 {
		logger.Info("empty swarm")
		return nil
	}

	var unreachable []string
	for attempt := 0; attempt < MaxNodeAttempts; attempt++ {
		candidates := excluding(nodes, unreachable)
		if len(candidates) == 0 {
			break
		}
		node, err := e.pickNode(candidates, target.ID, namespaces)
		if err != nil {
			logger.Error("failed to read cursors", "err", err)
			return nil
		}

		res, err := e.pollNode(ctx, logger, target, node, namespaces)
		if err == nil {
			return res
		}
		if !errors.Is(err, rpc.ErrNoConnection) || ctx.Err() != nil {
			logger.Info("retrieve failed", "node", node.String(), "err", err)
			return nil
		}
		logger.Info("storage node unreachable", "node", node.String(), "attempt", attempt+1, "err", err)
		e.dropFromSwarm(target.ID, node)
		unreachable = append(unreachable, node.Address())
	}

	if len(unreachable) > 0 {
		e.nodeUnreachable(ctx)
	}
	return nil
}

// pollNode runs the retrieve batch against node. Transport errors are
// returned; anything else is handled here and yields a nil error.
func (e *Engine) pollNode(
	ctx context.Context,
	logger log.Logger,
	target types.PollTarget,
	node types.Node,
	namespaces []types.Namespace,
) (*Result, error) {
	var (
		bump []string
		err  error
	)
	if e.configs != nil && (target.Kind == types.KindSelf || target.Kind == types.KindGroup) {
		bump, err = e.configs.CurrentHashes(ctx, target)
		if err != nil {
			logger.Error("failed to get config hashes", "err", err)
			bump = nil
		}
	}

	reqs, err := e.buildRequests(target, node, namespaces, bump)
	if err != nil {
		logger.Error("failed to build retrieve request", "err", err)
		return nil, nil
	}

	results, err := e.client.Batch(ctx, node, reqs)
	if err != nil {
		if rpc.IsNotInSwarm(err) {
			logger.Info("node is not part of the swarm anymore", "node", node.String())
			e.dropFromSwarm(target.ID, node)
			return nil, nil
		}
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	if results[0].OK() {
		e.status.SetOnline(true)
	}
	if results[0].Code == rpc.StatusNotInSwarm {
		logger.Info("node is not part of the swarm anymore", "node", node.String())
		e.dropFromSwarm(target.ID, node)
		return nil, nil
	}

	if len(bump) > 0 {
		if last := results[len(results)-1]; !last.OK() {
			logger.Info("failed to extend expiry of config messages", "code", last.Code)
		}
		results = results[:len(results)-1]
	}
	if len(results) != len(namespaces) {
		logger.Error("unexpected number of results", "want", len(namespaces), "got", len(results))
		return nil, nil
	}

	control, content := e.collect(logger, target, node, namespaces, results)

	if len(control) > 0 && e.configs != nil {
		if err := e.configs.HandleConfigMessages(ctx, target, control); err != nil {
			logger.Error("failed to handle config messages", "err", err)
		}
	}

	res := &Result{Target: target, Node: node, ContentCount: len(content)}

	if target.Kind.IsGroup() && e.tracker != nil && !e.tracker.IsTracked(target.ID) {
		logger.Info("polled a group that is not tracked anymore, discarding result")
		res.Untracked = true
		return res, nil
	}

	fresh, err := e.filterSeen(content)
	if err != nil {
		logger.Error("failed to check seen hashes", "err", err)
		return res, nil
	}
	res.Delivered = e.deliver(ctx, logger, target, fresh)
	return res, nil
}

// nodeUnreachable asks the checker whether the network itself is gone.
// Without a checker the flag is left alone.
func (e *Engine) nodeUnreachable(ctx context.Context) {
	if e.checker != nil {
		e.checker.NodeUnreachable(ctx)
	}
}

func excluding(nodes []types.Node, addresses []string) []types.Node {
	if len(addresses) == 0 {
		return nodes
	}
	out := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		skip := false
		for _, a := range addresses {
			if n.Address() == a {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, n)
		}
	}
	return out
}

func (e *Engine) dropFromSwarm(identifier string, node types.Node) {
	if err := e.swarms.DropMember(identifier, node.Address()); err != nil {
		e.logger.Error("failed to drop swarm member", "err", err)
	}
	if e.failures != nil {
		e.failures.ReportFailure(node.Address())
	}
}

// pickNode prefers the first member that already has a cursor so that
// pagination continues where it stopped.
func (e *Engine) pickNode(nodes []types.Node, identifier string, namespaces []types.Namespace) (types.Node, error) {
	for _, n := range nodes {
		ok, err := e.cursors.Has(n.Address(), identifier, namespaces)
		if err != nil {
			return types.Node{}, err
		}
		if ok {
			return n, nil
		}
	}
	return nodes[rand.Intn(len(nodes))], nil
}

func (e *Engine) buildRequests(
	target types.PollTarget,
	node types.Node,
	namespaces []types.Namespace,
	bump []string,
) ([]rpc.SubRequest, error) {
	maxSizes := types.MaxSizes(namespaces)
	now := e.clock.Now().UnixMilli()

	reqs := make([]rpc.SubRequest, 0, len(namespaces)+1)
	for _, ns := range namespaces {
		lastHash, err := e.cursors.Get(node.Address(), target.ID, ns)
		if err != nil {
			return nil, err
		}
		params := rpc.RetrieveParams{
			Pubkey:    target.ID,
			Namespace: ns,
			LastHash:  lastHash,
			MaxSize:   maxSizes[ns],
		}
		// legacy groups are read without authentication
		if target.Kind != types.KindLegacyGroup {
			sig, err := e.signer.Sign(target.ID, rpc.RetrievePayload(ns, now))
			if err != nil {
				return nil, err
			}
			params.PubkeyEd25519 = sig.PubkeyEd25519
			params.Signature = sig.Signature
			params.Timestamp = now
		}
		reqs = append(reqs, rpc.Retrieve(params))
	}

	if len(bump) > 0 {
		expiry := e.clock.Now().Add(ConfigExpiryExtension).UnixMilli()
		sig, err := e.signer.Sign(target.ID, rpc.ExpirePayload(expiry, bump))
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, rpc.Expire(rpc.ExpireParams{
			Pubkey:        target.ID,
			PubkeyEd25519: sig.PubkeyEd25519,
			Signature:     sig.Signature,
			Messages:      bump,
			Expiry:        expiry,
		}))
	}
	return reqs, nil
}

// collect parses the per namespace results, advances the cursors and splits
// control from content messages. Content is deduplicated by hash.
func (e *Engine) collect(
	logger log.Logger,
	target types.PollTarget,
	node types.Node,
	namespaces []types.Namespace,
	results []rpc.SubResult,
) (control, content []types.NamespacedItem) {
	seen := make(map[string]bool)
	for i, ns := range namespaces {
		res := results[i]
		if !res.OK() {
			logger.Debug("namespace retrieve failed", "namespace", ns, "code", res.Code)
			continue
		}
		var body rpc.RetrieveBody
		if err := res.Decode(&body); err != nil {
			logger.Error("invalid retrieve body", "namespace", ns, "err", err)
			continue
		}
		if len(body.Messages) == 0 {
			continue
		}

		last := body.Messages[len(body.Messages)-1]
		if err := e.cursors.Update(node.Address(), target.ID, ns, last.Hash, last.ExpiresAt()); err != nil {
			logger.Error("failed to update cursor", "namespace", ns, "err", err)
		}

		for _, msg := range body.Messages {
			if err := msg.ValidateBasic(); err != nil {
				logger.Debug("dropping invalid message", "namespace", ns, "err", err)
				continue
			}
			item := types.NamespacedItem{RetrieveItem: msg, Namespace: ns}
			if ns.IsControlFor(target.Kind) {
				control = append(control, item)
				continue
			}
			if seen[msg.Hash] {
				continue
			}
			seen[msg.Hash] = true
			content = append(content, item)
		}
	}
	return control, content
}

// filterSeen drops the messages whose hash was already handed downstream and
// records the others.
func (e *Engine) filterSeen(items []types.NamespacedItem) ([]types.NamespacedItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	hashes := make([]string, len(items))
	for i, it := range items {
		hashes[i] = it.Hash
	}
	seen, err := e.store.SeenHashes(hashes)
	if err != nil {
		return nil, err
	}

	var (
		fresh   []types.NamespacedItem
		records []types.SeenHash
	)
	for _, it := range items {
		if seen[it.Hash] {
			continue
		}
		fresh = append(fresh, it)
		records = append(records, types.SeenHash{Hash: it.Hash, ExpiresAt: it.ExpiresAt()})
	}
	if len(records) > 0 {
		if err := e.store.SaveSeenHashes(records); err != nil {
			return nil, fmt.Errorf("saving seen hashes: %w", err)
		}
	}
	return fresh, nil
}

// deliver unwraps and hands messages to the sink, in retrieval order.
func (e *Engine) deliver(ctx context.Context, logger log.Logger, target types.PollTarget, items []types.NamespacedItem) int {
	group := ""
	if target.Kind.IsGroup() {
		group = target.ID
	}

	delivered := 0
	for _, it := range items {
		envelope, err := unwrap(target.Kind, it.Data)
		if err != nil {
			logger.Info("dropping undecodable message", "hash", it.Hash, "err", err)
			continue
		}
		if err := e.sink.HandleRequest(ctx, envelope, group, it.Hash); err != nil {
			logger.Error("failed to queue message", "hash", it.Hash, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

// unwrap returns the envelope carried by a stored message. Group messages are
// stored encrypted, without the transport wrapper.
func unwrap(kind types.ConversationKind, data string) ([]byte, error) {
	if kind == types.KindGroup {
		return base64.StdEncoding.DecodeString(data)
	}
	return types.ExtractWebSocketContent(data)
}
