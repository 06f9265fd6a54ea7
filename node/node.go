package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/taskgroup"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/internal/deletion"
	"github.com/tendermint/swarmsync/internal/guard"
	"github.com/tendermint/swarmsync/internal/ingest"
	"github.com/tendermint/swarmsync/internal/netstatus"
	"github.com/tendermint/swarmsync/internal/nodepool"
	"github.com/tendermint/swarmsync/internal/poller"
	"github.com/tendermint/swarmsync/internal/retrieve"
	"github.com/tendermint/swarmsync/internal/rpc"
	"github.com/tendermint/swarmsync/internal/seed"
	"github.com/tendermint/swarmsync/internal/store"
	"github.com/tendermint/swarmsync/internal/swarm"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/libs/service"
	"github.com/tendermint/swarmsync/types"
)

// Node is the highest level interface to a running swarmsync client.
// It wires the pool, swarm cache, guards, poller, retrieval, ingestion and
// deletion together and runs their background routines.
type Node struct {
	service.BaseService

	config *config.Config
	logger log.Logger
	self   string

	// replaceable collaborators, see Option
	dbProvider config.DBProvider
	client     rpc.Client
	seeds      seed.Fetcher
	signer     rpc.RequestSigner
	dispatcher ingest.Dispatcher
	decrypter  ingest.Decrypter
	registry   GroupRegistry
	syncer     retrieve.ConfigSyncer
	clock      clock.Clock

	// services
	store    *store.Store
	status   *netstatus.Status
	pool     *nodepool.Pool
	swarms   *swarm.Cache
	guards   *guard.Selector
	prober   *netstatus.Prober
	pipeline *ingest.Pipeline
	engine   *retrieve.Engine
	poller   *poller.Poller
	deleter  *deletion.Engine
	services *service.Group

	prometheusSrv *http.Server
	tasks         *taskgroup.Group
	cancel        context.CancelFunc
}

// Option sets a parameter for the node.
type Option func(*Node)

// WithDBProvider opens the store through p instead of the configured backend.
func WithDBProvider(p config.DBProvider) Option { return func(n *Node) { n.dbProvider = p } }

// WithClient sets the storage node transport.
func WithClient(c rpc.Client) Option { return func(n *Node) { n.client = c } }

// WithSeedFetcher sets the bootstrap source of the pool.
func WithSeedFetcher(f seed.Fetcher) Option { return func(n *Node) { n.seeds = f } }

// WithSigner signs requests with s instead of the account key file. The
// account id must then be configured.
func WithSigner(s rpc.RequestSigner) Option { return func(n *Node) { n.signer = s } }

// WithDispatcher hands retrieved envelopes to d instead of the inbox
// directory.
func WithDispatcher(d ingest.Dispatcher) Option { return func(n *Node) { n.dispatcher = d } }

// WithDecrypter opens envelopes with d before dispatch.
func WithDecrypter(d ingest.Decrypter) Option { return func(n *Node) { n.decrypter = d } }

// WithGroupRegistry replaces the groups file.
func WithGroupRegistry(r GroupRegistry) Option { return func(n *Node) { n.registry = r } }

// WithConfigSyncer feeds control namespaces to s.
func WithConfigSyncer(s retrieve.ConfigSyncer) Option { return func(n *Node) { n.syncer = s } }

// WithClock sets the clock of every timed routine.
func WithClock(c clock.Clock) Option { return func(n *Node) { n.clock = c } }

// New returns a new, unstarted node for cfg.
func New(cfg *config.Config, logger log.Logger, options ...Option) (*Node, error) {
	n := &Node{
		config:     cfg,
		logger:     logger,
		dbProvider: config.DefaultDBProvider,
		clock:      clock.New(),
	}
	for _, opt := range options {
		opt(n)
	}

	if err := n.loadAccount(); err != nil {
		return nil, err
	}

	db, err := n.dbProvider(&config.DBContext{ID: "swarmsync", Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	n.store = store.NewStore(db)

	if n.client == nil {
		n.client = rpc.NewHTTPClient(logger, rpc.DefaultHTTPClient(cfg.Network.InsecureSkipVerify), cfg.Network.RequestTimeout)
	}
	if n.seeds == nil {
		seeds, err := cfg.Network.ParseSeedNodes()
		if err != nil {
			return nil, err
		}
		if n.seeds, err = seed.NewClient(logger, rpc.DefaultHTTPClient(false), seeds, cfg.Network.SeedTimeout); err != nil {
			return nil, err
		}
	}
	if n.registry == nil {
		if n.registry, err = LoadFileRegistry(cfg.GroupsFile()); err != nil {
			return nil, err
		}
	}
	if n.dispatcher == nil {
		n.dispatcher = NewInbox(logger, inboxDir(cfg))
	}

	pollerMetrics, ingestMetrics := defaultMetricsProvider(cfg.Instrumentation)

	n.status = netstatus.New()
	n.pool = nodepool.NewPool(logger, n.store, n.seeds, n.client)
	n.swarms = swarm.NewCache(logger, n.store, n.pool, n.client)
	n.guards = guard.NewSelector(logger, n.pool, n.store, n.client, cfg.Network.GuardCount)
	n.pool.OnReplaced(n.swarms.PruneToPool)
	n.pool.OnReset(n.guards.ResetPathFailures)
	n.status.OnChange(func(online bool) {
		logger.Info("network status changed", "online", online)
	})
	n.prober = netstatus.NewProber(logger.With("module", "netstatus"), n.status, n.probeGuards, n.clock, cfg.Poller.ActiveInterval)
	checker := netstatus.NewChecker(logger.With("module", "netstatus"), n.status, n.probeGuards)

	ingestOpts := []ingest.Option{ingest.WithClock(n.clock), ingest.WithMetrics(ingestMetrics)}
	if n.decrypter != nil {
		ingestOpts = append(ingestOpts, ingest.WithDecrypter(n.decrypter))
	}
	n.pipeline = ingest.NewPipeline(logger.With("module", "ingest"), cfg.Ingest, n.store, n.dispatcher, ingestOpts...)

	engineOpts := []retrieve.Option{
		retrieve.WithClock(n.clock),
		retrieve.WithGroupTracker(n.registry),
		retrieve.WithFailureReporter(n.pool),
		retrieve.WithConnectivityChecker(checker),
	}
	if n.syncer != nil {
		engineOpts = append(engineOpts, retrieve.WithConfigSyncer(n.syncer))
	}
	n.engine = retrieve.NewEngine(logger, n.store, n.swarms, n.client, n.signer, n.status, n.pipeline, engineOpts...)

	n.poller = poller.NewPoller(logger.With("module", "poller"), cfg.Poller, n.self, n.engine, n.registry, n.status,
		poller.WithClock(n.clock), poller.WithMetrics(pollerMetrics))
	n.deleter = deletion.NewEngine(logger, n.self, n.signer, n.swarms, n.client, n.status,
		deletion.WithClock(n.clock),
		deletion.WithFailureReporter(n.pool),
		deletion.WithConnectivityChecker(checker),
	)

	// started in order, stopped in reverse
	n.services = service.NewGroup(logger, "Services", n.pipeline, n.prober, n.poller)

	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

func (n *Node) loadAccount() error {
	n.self = n.config.AccountID
	if n.signer != nil {
		if n.self == "" {
			return errors.New("account_id is required with a custom signer")
		}
		return nil
	}
	key, err := types.LoadOrGenAccountKey(n.config.AccountKeyFile())
	if err != nil {
		return fmt.Errorf("failed to load account key: %w", err)
	}
	if n.self == "" {
		n.self = key.ID
	}
	n.signer = rpc.NewAccountSigner(key)
	return nil
}

// OnStart replays the backlog, starts the services and the background
// routines.
func (n *Node) OnStart(ctx context.Context) error {
	n.logger.Info("starting swarmsync client", "account", types.ShortKey(n.self))

	if err := n.pipeline.QueueAllCached(); err != nil {
		return fmt.Errorf("failed to replay backlog: %w", err)
	}
	for _, id := range n.registry.Groups() {
		n.poller.AddTarget(id, nil)
	}

	if err := n.services.Start(ctx); err != nil {
		return err
	}

	if n.config.Instrumentation.Prometheus {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.tasks = taskgroup.New(nil)
	n.tasks.Go(func() error {
		if _, err := n.guards.GuardNodes(ctx); err != nil {
			n.logger.Error("failed to select guard nodes", "err", err)
		}
		return nil
	})
	n.tasks.Go(func() error {
		n.pruneRoutine(ctx)
		return nil
	})
	if fr, ok := n.registry.(*FileRegistry); ok {
		n.tasks.Go(func() error {
			if err := fr.Watch(ctx, n.logger.With("module", "groups"), n.addGroups); err != nil {
				n.logger.Error("groups file changes will be ignored", "err", err)
			}
			return nil
		})
	}
	return nil
}

// addGroups starts polling groups that appeared in the registry and replays
// the envelopes cached for them.
func (n *Node) addGroups(ids []string) {
	for _, id := range ids {
		n.poller.AddTarget(id, nil)
		if err := n.pipeline.QueueAllCachedFromSource(id); err != nil {
			n.logger.Error("failed to replay cached envelopes", "group", types.ShortKey(id), "err", err)
		}
	}
}

// OnStop stops the services and closes the store.
func (n *Node) OnStop() {
	n.logger.Info("Stopping Node")

	if n.cancel != nil {
		n.cancel()
	}
	if n.tasks != nil {
		if err := n.tasks.Wait(); err != nil {
			n.logger.Error("background task failed", "err", err)
		}
	}

	if n.services.IsRunning() {
		if err := n.services.Stop(); err != nil {
			n.logger.Error("problem stopping services", "err", err)
		}
	}

	if n.prometheusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			// Error from closing listeners, or context timeout:
			n.logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	if err := n.store.Close(); err != nil {
		n.logger.Error("problem closing store", "err", err)
	}
}

// pruneRoutine drops expired seen hashes and resume cursors.
func (n *Node) pruneRoutine(ctx context.Context) {
	ticker := n.clock.Ticker(n.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.prune()
		}
	}
}

func (n *Node) prune() {
	now := n.clock.Now()
	seen, err := n.store.PruneSeenHashes(now)
	if err != nil {
		n.logger.Error("failed to prune seen hashes", "err", err)
	}
	cursors, err := n.store.PruneLastHashes(now)
	if err != nil {
		n.logger.Error("failed to prune cursors", "err", err)
	}
	n.engine.Cursors().Forget()
	n.logger.Debug("pruned expired entries", "seen", seen, "cursors", cursors)
}

// probeGuards succeeds as soon as one guard answers. Guards that do not are
// reported so they are eventually replaced.
func (n *Node) probeGuards(ctx context.Context) error {
	guards, err := n.guards.GuardNodes(ctx)
	if err != nil {
		return err
	}
	if len(guards) == 0 {
		return errors.New("no guard nodes")
	}
	for _, g := range guards {
		if err = n.guards.Probe(ctx, g); err == nil {
			return nil
		}
		n.guards.ReportPathFailure(g.Address())
	}
	return err
}

// Account returns the identifier polled as the Self target.
func (n *Node) Account() string { return n.self }

// Pool returns the node pool.
func (n *Node) Pool() *nodepool.Pool { return n.pool }

// Swarms returns the replica set cache.
func (n *Node) Swarms() *swarm.Cache { return n.swarms }

// Poller returns the poll scheduler.
func (n *Node) Poller() *poller.Poller { return n.poller }

// Pipeline returns the ingestion pipeline.
func (n *Node) Pipeline() *ingest.Pipeline { return n.pipeline }

// Deleter returns the deletion engine.
func (n *Node) Deleter() *deletion.Engine { return n.deleter }

// Status returns the connectivity flag.
func (n *Node) Status() *netstatus.Status { return n.status }

// Close releases the store of a node that was never started. A started node
// closes it when stopped.
func (n *Node) Close() error {
	if n.IsRunning() {
		return errors.New("node is running")
	}
	return n.store.Close()
}
