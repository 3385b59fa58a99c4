package consolidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	etcdDialTimeout   = 5 * time.Second
	etcdSessionTTL    = 30 // seconds
	etcdReleaseBudget = 5 * time.Second
	etcdLockPrefix    = "/thane-core/consolidation/"
)

// EtcdLocker grants per-agent mutual exclusion across processes that
// share an etcd cluster. A crashed holder's lock expires with its
// session lease.
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
	logger *slog.Logger
}

// NewEtcdLocker connects to the etcd cluster at endpoints.
func NewEtcdLocker(endpoints []string, logger *slog.Logger) (*EtcdLocker, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd locker: no endpoints")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd locker: connect: %w", err)
	}
	return &EtcdLocker{
		client: client,
		prefix: etcdLockPrefix,
		logger: logger.With("component", "consolidation_lock"),
	}, nil
}

// TryLock implements [Locker].
func (l *EtcdLocker) TryLock(ctx context.Context, agentID string) (func(), error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(etcdSessionTTL))
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}

	mu := concurrency.NewMutex(session, l.prefix+agentID)
	if err := mu.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrConsolidationConflict
		}
		return nil, fmt.Errorf("etcd lock %s: %w", agentID, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), etcdReleaseBudget)
		defer cancel()
		if err := mu.Unlock(ctx); err != nil {
			l.logger.Warn("failed to release consolidation lock",
				"agent_id", agentID, "error", err)
		}
		if err := session.Close(); err != nil {
			l.logger.Debug("etcd session close", "agent_id", agentID, "error", err)
		}
	}, nil
}

// Close releases the etcd client.
func (l *EtcdLocker) Close() error {
	return l.client.Close()
}
