// Package vault coordinates the folder/file namespace across the two
// stores that hold it: the versioned object store and the relational
// metastore.
//
// Every mutation follows the same saga shape: the object store action
// runs first, the metadata commit second, and a failed commit triggers
// explicit inverse actions against the object store. The object store
// is the irrevocable side; metadata is cheap to retry, object versions
// are not. A per-user lock serializes mutations so compensation never
// races a concurrent operation on the same namespace.
package vault

import (
	"context"
	"sync"
	"time"

	"github.com/file-vault/fv/internal/metastore"
	"github.com/file-vault/fv/internal/objstore"
)

// RollbackPolicy bounds the retries of a compensation pass. When
// MinDelay is set the delay halves after each attempt down to that
// floor, otherwise it stays fixed.
type RollbackPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	MinDelay    time.Duration
}

func (p RollbackPolicy) delay(attempt int) time.Duration {
	if p.MinDelay <= 0 {
		return p.Delay
	}
	d := p.Delay
	for i := 1; i < attempt; i++ {
		d /= 2
		if d < p.MinDelay {
			return p.MinDelay
		}
	}
	return d
}

// ManifestPublisher archives a snapshot's pinned entries outside the
// metastore, so a snapshot survives loss of the database. Publishing
// is best-effort and never fails the snapshot itself.
type ManifestPublisher interface {
	Publish(ctx context.Context, snap *metastore.Snapshot, entries []metastore.SnapshotEntry) error
}

// Service is the coordinator for all namespace mutations.
type Service struct {
	objects   objstore.Store
	meta      *metastore.Store
	manifests ManifestPublisher

	moveRollback    RollbackPolicy
	restoreRollback RollbackPolicy

	// sleep is replaceable so rollback retry tests do not wait out
	// real delays.
	sleep func(context.Context, time.Duration) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithMoveRollback overrides the retry policy of the move reverse saga.
func WithMoveRollback(p RollbackPolicy) Option {
	return func(s *Service) { s.moveRollback = p }
}

// WithRestoreRollback overrides the retry policy of the restore
// rollback.
func WithRestoreRollback(p RollbackPolicy) Option {
	return func(s *Service) { s.restoreRollback = p }
}

// WithManifestPublisher enables snapshot manifest archiving.
func WithManifestPublisher(p ManifestPublisher) Option {
	return func(s *Service) { s.manifests = p }
}

// WithSleep replaces the delay function used between rollback attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

// NewService creates a coordinator over the given stores.
func NewService(objects objstore.Store, meta *metastore.Store, opts ...Option) *Service {
	s := &Service{
		objects: objects,
		meta:    meta,
		moveRollback: RollbackPolicy{
			MaxAttempts: 5,
			Delay:       10 * time.Second,
			MinDelay:    time.Second,
		},
		restoreRollback: RollbackPolicy{
			MaxAttempts: 5,
			Delay:       10 * time.Second,
		},
		sleep: sleepCtx,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockUser serializes all mutations of one user's namespace. Returns
// the unlock function.
func (s *Service) lockUser(userID string) func() {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
