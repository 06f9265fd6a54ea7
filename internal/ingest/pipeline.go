// Package ingest caches retrieved envelopes durably and hands them, one at a
// time and in arrival order, to the content dispatcher.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/libs/service"
	"github.com/tendermint/swarmsync/types"
)

// ErrEmptyEnvelope is returned for envelopes without content. They are
// removed from the backlog.
var ErrEmptyEnvelope = errors.New("envelope has no content")

// Delivery is one envelope handed to the Dispatcher.
type Delivery struct {
	ID       string
	Envelope []byte
	// set once the Decrypter succeeded
	Decrypted []byte
	// group the envelope was retrieved for, empty for direct messages
	Group string
	Hash  string
	// apparent sender reported by the Decrypter, if any
	Sender string
}

// Dispatcher is the conversation logic consuming envelopes. An error leaves
// the envelope in the backlog for a later replay.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) error
}

// Decrypter opens envelopes before dispatch. The result is cached so a
// replay does not decrypt twice.
type Decrypter interface {
	Decrypt(ctx context.Context, d Delivery) (plaintext []byte, sender string, err error)
}

// Store is the durable backlog.
type Store interface {
	SaveUnprocessed(env types.UnprocessedEnvelope) error
	GetUnprocessed(id string) (types.UnprocessedEnvelope, bool, error)
	UpdateUnprocessedAttempts(id string, attempts int) error
	RemoveUnprocessed(id string) error
	RemoveAllUnprocessed() error
	CountUnprocessed() (int, error)
	ListUnprocessed() ([]types.UnprocessedEnvelope, error)
}

// Pipeline is the ingestion service. HandleRequest may be called before the
// service starts; queued envelopes wait for the worker.
type Pipeline struct {
	service.BaseService

	logger     log.Logger
	cfg        *config.IngestConfig
	store      Store
	dispatcher Dispatcher
	decrypter  Decrypter
	clock      clock.Clock
	metrics    *Metrics

	queue *fifo
}

// Option sets an optional parameter on the Pipeline.
type Option func(*Pipeline)

// WithDecrypter decrypts envelopes before dispatch.
func WithDecrypter(d Decrypter) Option { return func(p *Pipeline) { p.decrypter = d } }

// WithClock sets the clock timing tasks out.
func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clock = c } }

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// NewPipeline returns a Pipeline dispatching to dispatcher.
func NewPipeline(logger log.Logger, cfg *config.IngestConfig, st Store, dispatcher Dispatcher, options ...Option) *Pipeline {
	p := &Pipeline{
		logger:     logger,
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		clock:      clock.New(),
		metrics:    NopMetrics(),
		queue:      newFIFO(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.BaseService = *service.NewBaseService(logger, "Ingest", p)
	return p
}

// OnStart implements service.Service by starting the worker.
func (p *Pipeline) OnStart(ctx context.Context) error {
	go p.worker(ctx)
	return nil
}

// OnStop implements service.Service.
func (p *Pipeline) OnStop() {}

// HandleRequest caches a retrieved envelope and queues it. group is empty
// for direct messages.
func (p *Pipeline) HandleRequest(ctx context.Context, envelope []byte, group, hash string) error {
	env := types.UnprocessedEnvelope{
		ID:         uuid.NewString(),
		Hash:       hash,
		Envelope:   envelope,
		Source:     group,
		Attempts:   1,
		InsertedAt: p.clock.Now(),
	}
	if err := p.store.SaveUnprocessed(env); err != nil {
		return fmt.Errorf("caching envelope %s: %w", hash, err)
	}
	p.enqueue(env)
	return nil
}

// GetAllFromCache loads the backlog for a replay. A backlog larger than the
// configured ceiling is discarded instead. Every loaded envelope counts one
// more attempt; envelopes reaching the attempt ceiling are removed, though
// still returned for this last replay.
func (p *Pipeline) GetAllFromCache() ([]types.UnprocessedEnvelope, error) {
	envs, err := p.fetchAll()
	if err != nil {
		return nil, err
	}
	if len(envs) > 0 {
		p.logger.Info("loaded saved envelopes", "count", len(envs))
	}
	return p.increaseAttemptsOrRemove(envs), nil
}

// GetAllFromCacheForSource is GetAllFromCache restricted to the envelopes of
// one group. Envelopes without a group are kept too.
func (p *Pipeline) GetAllFromCacheForSource(source string) ([]types.UnprocessedEnvelope, error) {
	envs, err := p.fetchAll()
	if err != nil {
		return nil, err
	}
	fromSource := envs[:0]
	for _, env := range envs {
		if env.Source == "" || env.Source == source {
			fromSource = append(fromSource, env)
		}
	}
	p.logger.Info("loaded saved envelopes", "count", len(fromSource), "source", types.ShortKey(source))
	return p.increaseAttemptsOrRemove(fromSource), nil
}

// QueueAllCached replays the backlog, in arrival order.
func (p *Pipeline) QueueAllCached() error {
	envs, err := p.GetAllFromCache()
	if err != nil {
		return err
	}
	for _, env := range envs {
		p.enqueue(env)
	}
	return nil
}

// QueueAllCachedFromSource replays the backlog of one group, in arrival
// order.
func (p *Pipeline) QueueAllCachedFromSource(source string) error {
	envs, err := p.GetAllFromCacheForSource(source)
	if err != nil {
		return err
	}
	for _, env := range envs {
		p.enqueue(env)
	}
	return nil
}

// ForceEmptyCache drops the whole backlog.
func (p *Pipeline) ForceEmptyCache() error {
	return p.store.RemoveAllUnprocessed()
}

func (p *Pipeline) fetchAll() ([]types.UnprocessedEnvelope, error) {
	count, err := p.store.CountUnprocessed()
	if err != nil {
		return nil, err
	}
	if count > p.cfg.MaxBacklog {
		if err := p.store.RemoveAllUnprocessed(); err != nil {
			return nil, err
		}
		p.logger.Error("too many saved envelopes, deleted all instead of replaying", "count", count)
		p.metrics.Dropped.With("reason", "backlog").Add(float64(count))
		return nil, nil
	}
	return p.store.ListUnprocessed()
}

func (p *Pipeline) increaseAttemptsOrRemove(envs []types.UnprocessedEnvelope) []types.UnprocessedEnvelope {
	for _, env := range envs {
		attempts := env.Attempts + 1
		var err error
		if attempts >= p.cfg.MaxAttempts {
			p.logger.Info("final attempt for envelope", "id", env.ID, "hash", env.Hash)
			p.metrics.Dropped.With("reason", "attempts").Add(1)
			err = p.store.RemoveUnprocessed(env.ID)
		} else {
			err = p.store.UpdateUnprocessedAttempts(env.ID, attempts)
		}
		if err != nil {
			p.logger.Error("failed to update envelope after load", "id", env.ID, "err", err)
		}
	}
	return envs
}

func (p *Pipeline) enqueue(env types.UnprocessedEnvelope) {
	p.queue.push(env)
	p.metrics.Queued.Add(1)
	p.metrics.QueueSize.Set(float64(p.queue.len()))
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		for {
			env, ok := p.queue.pop()
			if !ok {
				break
			}
			p.metrics.QueueSize.Set(float64(p.queue.len()))
			if !p.runWithTimeout(ctx, env) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.Quit():
			return
		case <-p.queue.wait():
		}
	}
}

// runWithTimeout races the handling of env against the task timeout. Only
// the first to finish acts on the outcome; a timed out envelope is removed
// from the backlog and counts as lost. It returns false when the pipeline
// is shutting down.
func (p *Pipeline) runWithTimeout(ctx context.Context, env types.UnprocessedEnvelope) bool {
	var claimed atomic.Bool
	taskCtx, cancel := context.WithCancel(ctx)
	timer := p.clock.Timer(p.cfg.TaskTimeout)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := p.process(taskCtx, env)
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		cancel()
		p.finish(env, err)
	}()

	select {
	case <-done:
		timer.Stop()
		return true
	case <-timer.C:
		if claimed.CompareAndSwap(false, true) {
			cancel()
			p.logger.Error("envelope timed out", "id", env.ID, "hash", env.Hash)
			p.metrics.Timeouts.Add(1)
			p.remove(env)
		}
		return true
	case <-ctx.Done():
		timer.Stop()
		cancel()
		return false
	}
}

func (p *Pipeline) finish(env types.UnprocessedEnvelope, err error) {
	switch {
	case err == nil:
		p.metrics.Processed.Add(1)
		p.remove(env)
	case errors.Is(err, ErrEmptyEnvelope):
		p.logger.Info("dropping empty envelope", "id", env.ID, "hash", env.Hash)
		p.metrics.Dropped.With("reason", "empty").Add(1)
		p.remove(env)
	default:
		// kept for a replay
		p.logger.Error("envelope handling failed", "id", env.ID, "hash", env.Hash, "err", err)
		p.metrics.Failed.Add(1)
	}
}

func (p *Pipeline) remove(env types.UnprocessedEnvelope) {
	if err := p.store.RemoveUnprocessed(env.ID); err != nil {
		p.logger.Error("failed to remove envelope from cache", "id", env.ID, "err", err)
	}
}

func (p *Pipeline) process(ctx context.Context, env types.UnprocessedEnvelope) error {
	if len(env.Envelope) == 0 {
		return ErrEmptyEnvelope
	}
	d := Delivery{
		ID:        env.ID,
		Envelope:  env.Envelope,
		Decrypted: env.Decrypted,
		Group:     env.Source,
		Hash:      env.Hash,
		Sender:    env.SenderIdentity,
	}

	if d.Decrypted == nil && p.decrypter != nil {
		plaintext, sender, err := p.decrypter.Decrypt(ctx, d)
		if err != nil {
			return fmt.Errorf("decrypting: %w", err)
		}
		d.Decrypted = plaintext
		if sender != "" {
			d.Sender = sender
		}
		if err := p.saveDecrypted(env.ID, d); err != nil {
			p.logger.Error("failed to cache decrypted envelope", "id", env.ID, "err", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return p.dispatcher.Dispatch(ctx, d)
}

func (p *Pipeline) saveDecrypted(id string, d Delivery) error {
	env, ok, err := p.store.GetUnprocessed(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("envelope %s is not cached", id)
	}
	env.Decrypted = d.Decrypted
	env.SenderIdentity = d.Sender
	return p.store.SaveUnprocessed(env)
}

// fifo is an unbounded queue; producers never block.
type fifo struct {
	mtx    sync.Mutex
	items  []types.UnprocessedEnvelope
	signal chan struct{}
}

func newFIFO() *fifo {
	return &fifo{signal: make(chan struct{}, 1)}
}

func (q *fifo) push(env types.UnprocessedEnvelope) {
	q.mtx.Lock()
	q.items = append(q.items, env)
	q.mtx.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *fifo) pop() (types.UnprocessedEnvelope, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if len(q.items) == 0 {
		return types.UnprocessedEnvelope{}, false
	}
	env := q.items[0]
	q.items[0] = types.UnprocessedEnvelope{}
	q.items = q.items[1:]
	return env, true
}

func (q *fifo) len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items)
}

func (q *fifo) wait() <-chan struct{} {
	return q.signal
}
