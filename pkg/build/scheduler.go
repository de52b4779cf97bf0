// Package build implements the build DAG scheduler and result cache
// describes: a DAG of build nodes evaluated against a content-addressed
// cache, each node's filesystem side effects run through pkg/snapshot's
// prepare/commit/remove lifecycle.
package build

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/log"
	"github.com/keelhost/keel/pkg/metrics"
	"github.com/keelhost/keel/pkg/snapshot"
	"github.com/keelhost/keel/pkg/types"
)

// Operation is one build node's unit of work: a content digest identifying
// it for cache-key purposes, and the Executor that actually performs it.
type Operation struct {
	Digest   string
	Executor Executor
}

// Executor runs one build operation against a prepared snapshot's
// mountpoint, returning the environment/metadata deltas it produced.
type Executor interface {
	Execute(ctx context.Context, mountpoint string) (envDelta, metaDelta map[string]string, err error)
}

// Node is one vertex of the build DAG: an operation, the parent snapshot it
// runs on top of, any dependency snapshots it also needs present, and the
// platform it targets.
type Node struct {
	ID       string
	Op       Operation
	Parent   string
	Deps     []string
	Platform string
}

// ExecutionContext holds one build stage's running state: the head
// snapshot, every node's resulting snapshot so far, the accumulated
// env/metadata deltas, and a semaphore that limits this context to one
// filesystem-modifying operation in flight at a time.
type ExecutionContext struct {
	ID   string
	Head types.Snapshot

	mu        sync.Mutex
	snapshots map[string]types.Snapshot
	envDelta  map[string]string
	metaDelta map[string]string

	sem *semaphore.Weighted
}

// NewExecutionContext creates an ExecutionContext starting from head.
func NewExecutionContext(id string, head types.Snapshot) *ExecutionContext {
	return &ExecutionContext{
		ID:        id,
		Head:      head,
		snapshots: make(map[string]types.Snapshot),
		envDelta:  make(map[string]string),
		metaDelta: make(map[string]string),
		sem:       semaphore.NewWeighted(1),
	}
}

// SnapshotFor returns the snapshot installed for nodeID, if any.
func (ec *ExecutionContext) SnapshotFor(nodeID string) (types.Snapshot, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	s, ok := ec.snapshots[nodeID]
	return s, ok
}

func (ec *ExecutionContext) setSnapshot(nodeID string, s types.Snapshot) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.snapshots[nodeID] = s
}

func (ec *ExecutionContext) mergeDeltas(env, meta map[string]string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for k, v := range env {
		ec.envDelta[k] = v
	}
	for k, v := range meta {
		ec.metaDelta[k] = v
	}
}

// Deltas returns the env/metadata deltas accumulated so far.
func (ec *ExecutionContext) Deltas() (env, meta map[string]string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return cloneMap(ec.envDelta), cloneMap(ec.metaDelta)
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Scheduler evaluates build DAGs against the shared snapshotter and cache.
type Scheduler struct {
	snap  *snapshot.Snapshotter
	cache *Cache
}

// New creates a Scheduler over snap (for prepare/commit/remove) and cache
// (for content-addressed reuse).
func New(snap *snapshot.Snapshotter, cache *Cache) *Scheduler {
	return &Scheduler{snap: snap, cache: cache}
}

// RunStages runs each stage's node list concurrently, each in its own
// ExecutionContext, via a task group. It returns every stage's finished
// ExecutionContext, keyed by stage id, and fails fast on the first stage
// error.
func (s *Scheduler) RunStages(ctx context.Context, stages map[string][]Node, heads map[string]types.Snapshot) (map[string]*ExecutionContext, error) {
	var mu sync.Mutex
	results := make(map[string]*ExecutionContext, len(stages))

	g, gctx := errgroup.WithContext(ctx)
	for stageID, nodes := range stages {
		stageID, nodes := stageID, nodes
		g.Go(func() error {
			ec := NewExecutionContext(stageID, heads[stageID])
			if err := s.RunStage(gctx, ec, nodes); err != nil {
				return fmt.Errorf("stage %s: %w", stageID, err)
			}
			mu.Lock()
			results[stageID] = ec
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RunStage runs nodes in order within ec, one at a time under the
// per-context filesystem semaphore. Callers are expected to have already
// topologically sorted nodes; RunStage does not reorder them.
func (s *Scheduler) RunStage(ctx context.Context, ec *ExecutionContext, nodes []Node) error {
	for _, node := range nodes {
		if err := s.runNode(ctx, ec, node); err != nil {
			return fmt.Errorf("node %s: %w", node.ID, err)
		}
	}
	return nil
}

// runNode executes the three-step cache-or-build decision
// describes for a single node.
func (s *Scheduler) runNode(ctx context.Context, ec *ExecutionContext, node Node) error {
	if err := ec.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer ec.sem.Release(1)

	parentDigest := node.Parent
	if parentDigest == "" {
		parentDigest = ec.Head.Digest
	}

	key := ComputeKey(node.Op.Digest, parentDigest, node.Deps, node.Platform)

	cached, hit, err := s.cache.Lookup(ctx, key)
	if err != nil && apierr.Of(err) != apierr.Unsupported {
		return err
	}
	if hit {
		metrics.BuildCacheHitsTotal.Inc()
		ec.setSnapshot(node.ID, cached.Snapshot)
		ec.mergeDeltas(cached.EnvDelta, cached.MetaDelta)
		return nil
	}

	logger := log.WithComponent("build")
	logger.Debug().Str("node_id", node.ID).Str("operation_digest", node.Op.Digest).Msg("cache miss, executing")
	metrics.BuildCacheMissesTotal.Inc()

	start := time.Now()
	prepared, err := s.snap.Prepare(ctx, node.ID, parentDigest)
	if err != nil {
		return err
	}

	env, meta, execErr := node.Op.Executor.Execute(ctx, prepared.Mountpoint)
	if execErr != nil {
		if rerr := s.snap.Remove(ctx, node.ID); rerr != nil {
			logger.Warn().Err(rerr).Str("node_id", node.ID).Msg("failed to remove prepared snapshot after execution error")
		}
		return execErr
	}

	committed, err := s.snap.Commit(ctx, node.ID)
	if err != nil {
		return err
	}
	metrics.BuildNodeDuration.Observe(time.Since(start).Seconds())

	result := types.CachedResult{
		Snapshot:  committed,
		EnvDelta:  env,
		MetaDelta: meta,
		CreatedAt: start,
	}
	if err := s.cache.Store(ctx, key, result); err != nil {
		logger.Warn().Err(err).Str("node_id", node.ID).Msg("failed to store cache manifest")
	}

	ec.setSnapshot(node.ID, committed)
	ec.mergeDeltas(env, meta)
	return nil
}
