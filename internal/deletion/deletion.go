// Package deletion removes messages from the account's swarm. The contacted
// node fans the request out to every member of the swarm; each member's
// signed acknowledgment is verified here.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"

	"github.com/tendermint/swarmsync/internal/netstatus"
	"github.com/tendermint/swarmsync/internal/rpc"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
)

const (
	// DefaultOuterAttempts is the number of swarm members tried.
	DefaultOuterAttempts = 3
	// DefaultInnerAttempts is the number of tries against one member.
	DefaultInnerAttempts = 3
	// DefaultRetryDelay separates two tries.
	DefaultRetryDelay = 500 * time.Millisecond
)

var (
	// ErrNotOwnSwarm is returned when deleting from another identifier's
	// swarm.
	ErrNotOwnSwarm = errors.New("messages can only be deleted from the account's own swarm")
	// ErrOffline is returned without contacting anything when the network is
	// known to be unreachable.
	ErrOffline = errors.New("network is offline")

	errNotInSwarm = errors.New("a member reported the node is not part of the swarm")
)

// ErrBadMembers lists the swarm members that failed to delete or whose
// acknowledgment did not verify.
type ErrBadMembers struct {
	Members []string
}

func (e ErrBadMembers) Error() string {
	short := make([]string, len(e.Members))
	for i, m := range e.Members {
		short[i] = types.ShortKey(m)
	}
	return fmt.Sprintf("deletion not acknowledged by %d swarm members: %s", len(e.Members), strings.Join(short, ", "))
}

// SwarmPicker picks members of a swarm.
type SwarmPicker interface {
	PickRandomMember(ctx context.Context, identifier string, excluding ...string) (types.Node, error)
}

// Engine issues delete and delete_all requests.
type Engine struct {
	logger log.Logger
	self   string
	signer rpc.RequestSigner
	swarms SwarmPicker
	client rpc.Client
	status *netstatus.Status
	clock  clock.Clock

	failures FailureReporter
	checker  ConnectivityChecker

	outerAttempts uint
	innerAttempts uint
	delay         time.Duration
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

// Option sets an optional parameter on the Engine.
type Option func(*Engine)

// WithClock sets the clock used for request timestamps.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithFailureReporter reports members that could not be reached to fr.
func WithFailureReporter(fr FailureReporter) Option { return func(e *Engine) { e.failures = fr } }

// WithConnectivityChecker lets cc flip the network offline when no member
// could be reached.
func WithConnectivityChecker(cc ConnectivityChecker) Option {
	return func(e *Engine) { e.checker = cc }
}

// WithRetries sets the attempt counts and the delay between tries.
func WithRetries(outer, inner uint, delay time.Duration) Option {
	return func(e *Engine) {
		e.outerAttempts = outer
		e.innerAttempts = inner
		e.delay = delay
	}
}

// NewEngine returns an Engine deleting on behalf of the account self.
func NewEngine(
	logger log.Logger,
	self string,
	signer rpc.RequestSigner,
	swarms SwarmPicker,
	client rpc.Client,
	status *netstatus.Status,
	options ...Option,
) *Engine {
	e := &Engine{
		logger:        logger.With("module", "deletion"),
		self:          self,
		signer:        signer,
		swarms:        swarms,
		client:        client,
		status:        status,
		clock:         clock.New(),
		outerAttempts: DefaultOuterAttempts,
		innerAttempts: DefaultInnerAttempts,
		delay:         DefaultRetryDelay,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// DeleteMessages deletes hashes from the swarm of identifier, which must be
// the account itself. It succeeds only when every member acknowledged the
// deletion; otherwise ErrBadMembers names the others.
func (e *Engine) DeleteMessages(ctx context.Context, identifier string, hashes []string) error {
	if identifier != e.self || !strings.HasPrefix(identifier, types.AccountPrefix) {
		return ErrNotOwnSwarm
	}
	if len(hashes) == 0 {
		return nil
	}

	sig, err := e.signer.Sign(identifier, rpc.DeletePayload(hashes))
	if err != nil {
		return err
	}
	req := rpc.Delete(rpc.DeleteParams{
		Pubkey:        identifier,
		PubkeyEd25519: sig.PubkeyEd25519,
		Messages:      hashes,
		Signature:     sig.Signature,
	})

	verify := func(member string, ack rpc.SwarmMember) bool {
		deleted, err := ack.DeletedHashes()
		if err != nil {
			return false
		}
		return rpc.VerifyAck(member, ack.Signature, rpc.DeleteAckPayload(identifier, hashes, deleted))
	}

	bad, err := e.execute(ctx, identifier, req, verify)
	if err != nil {
		return err
	}
	if len(bad) > 0 {
		return ErrBadMembers{Members: bad}
	}
	return nil
}

// DeleteEverything wipes every namespace of the account's swarm. It returns
// the members that failed or whose acknowledgment did not verify, for the
// caller to flag.
func (e *Engine) DeleteEverything(ctx context.Context, identifier string) ([]string, error) {
	if identifier != e.self {
		return nil, ErrNotOwnSwarm
	}

	ts := e.clock.Now().UnixMilli()
	sig, err := e.signer.Sign(identifier, rpc.DeleteAllPayload(ts))
	if err != nil {
		return nil, err
	}
	req := rpc.DeleteAll(rpc.DeleteAllParams{
		Pubkey:        identifier,
		PubkeyEd25519: sig.PubkeyEd25519,
		Timestamp:     ts,
		Namespace:     "all",
		Signature:     sig.Signature,
	})

	verify := func(member string, ack rpc.SwarmMember) bool {
		deleted, err := ack.DeletedByNamespace()
		if err != nil {
			return false
		}
		return rpc.VerifyAck(member, ack.Signature, rpc.DeleteAllAckPayload(identifier, ts, deleted))
	}

	return e.execute(ctx, identifier, req, verify)
}

type verifyFunc func(member string, ack rpc.SwarmMember) bool

// execute runs req with the nested retry. The outer loop picks a member not
// contacted yet; the inner loop retries transient failures on that member.
// A member answering that the node left the swarm ends the inner loop, as
// does a node that cannot be reached; the outer loop then moves on to
// another member.
func (e *Engine) execute(ctx context.Context, identifier string, req rpc.SubRequest, verify verifyFunc) ([]string, error) {
	var (
		contacted []string
		bad       []string
	)
	if !e.status.IsOnline() {
		return nil, ErrOffline
	}
	err := retry.Do(
		func() error {
			node, err := e.swarms.PickRandomMember(ctx, identifier, contacted...)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			contacted = append(contacted, node.Address())

			return retry.Do(
				func() error {
					members, err := e.send(ctx, node, req, verify)
					if err != nil {
						if errors.Is(err, rpc.ErrNoConnection) {
							e.reportFailure(node)
							return retry.Unrecoverable(err)
						}
						if errors.Is(err, errNotInSwarm) {
							return retry.Unrecoverable(err)
						}
						return err
					}
					bad = members
					return nil
				},
				retry.Context(ctx),
				retry.Attempts(e.innerAttempts),
				retry.Delay(e.delay),
				retry.DelayType(retry.FixedDelay),
				retry.LastErrorOnly(true),
				retry.OnRetry(func(n uint, err error) {
					e.logger.Info("delete attempt failed", "method", req.Method, "node", node.String(), "attempt", n+1, "err", err)
				}),
			)
		},
		retry.Context(ctx),
		retry.Attempts(e.outerAttempts),
		retry.Delay(e.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Info("retrying delete on another node", "method", req.Method, "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		e.logger.Error("failed to delete on the network", "method", req.Method, "err", err)
		if errors.Is(err, rpc.ErrNoConnection) && ctx.Err() == nil && e.checker != nil {
			e.checker.NodeUnreachable(ctx)
		}
		return nil, err
	}
	return bad, nil
}

func (e *Engine) reportFailure(node types.Node) {
	if e.failures != nil {
		e.failures.ReportFailure(node.Address())
	}
}

// send runs req against node and returns the members whose deletion failed
// or did not verify.
func (e *Engine) send(ctx context.Context, node types.Node, req rpc.SubRequest, verify verifyFunc) ([]string, error) {
	results, err := e.client.Batch(ctx, node, []rpc.SubRequest{req})
	if err != nil {
		if rpc.IsNotInSwarm(err) {
			return nil, fmt.Errorf("%w: %v", errNotInSwarm, err)
		}
		return nil, err
	}
	res, err := rpc.FirstOK(node, results)
	if err != nil {
		return nil, err
	}

	var body rpc.SwarmBody
	if err := res.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid %s response from %s: %w", req.Method, node, err)
	}
	if len(body.Swarm) == 0 {
		return nil, fmt.Errorf("%s response from %s lists no swarm members", req.Method, node)
	}

	members := make([]string, 0, len(body.Swarm))
	for member := range body.Swarm {
		members = append(members, member)
	}
	sort.Strings(members)

	var bad []string
	for _, member := range members {
		ack := body.Swarm[member]
		if ack.Failed {
			e.logger.Info("swarm member failed to delete",
				"node", node.String(), "member", types.ShortKey(member), "code", ack.Code, "reason", ack.Reason)
			if ack.Code == rpc.StatusNotInSwarm {
				return nil, errNotInSwarm
			}
			bad = append(bad, member)
			continue
		}
		if !verify(member, ack) {
			e.logger.Info("invalid deletion acknowledgment", "member", types.ShortKey(member))
			bad = append(bad, member)
		}
	}
	return bad, nil
}
