package discovery

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zeusync/vicodyn/internal/config"
	"github.com/zeusync/vicodyn/internal/core/observability/log"
)

// NewEtcdClient connects to the cluster named in cfg.
func NewEtcdClient(cfg config.EtcdConfig) (*clientv3.Client, error) {
	timeout := time.Duration(cfg.DialTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
}

// AnnouncementKey is where a is stored below prefix.
func AnnouncementKey(prefix string, a Announcement) string {
	return strings.TrimSuffix(prefix, "/") + "/" + a.Name + "/" + a.UUID
}

// Register publishes a under a lease of ttl seconds and keeps the lease
// alive until ctx is done. The key disappears when the process stops.
func Register(ctx context.Context, cli *clientv3.Client, prefix string, a Announcement, ttl int64) (clientv3.LeaseID, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	value, err := json.Marshal(a)
	if err != nil {
		return 0, err
	}

	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, err
	}
	if _, err = cli.Put(ctx, AnnouncementKey(prefix, a), string(value), clientv3.WithLease(lease.ID)); err != nil {
		return 0, err
	}

	alive, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, err
	}
	go func() {
		// drain until the lease or ctx ends
		for range alive {
		}
	}()
	return lease.ID, nil
}

// Etcd mirrors every announcement stored below a prefix.
type Etcd struct {
	client *clientv3.Client
	prefix string
	logger log.Log

	mu    sync.Mutex
	known map[string]Announcement
}

func NewEtcd(client *clientv3.Client, prefix string, logger log.Log) *Etcd {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Etcd{
		client: client,
		prefix: prefix,
		logger: logger.With(log.Component("discovery.etcd"), log.String("prefix", prefix)),
		known:  make(map[string]Announcement),
	}
}

// Run loads the current announcements, then follows the prefix from the
// revision it read.
func (e *Etcd) Run(ctx context.Context, sink Sink) error {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		e.put(sink, string(kv.Key), kv.Value)
	}
	e.logger.Info("Loaded announcements", log.Int("count", len(resp.Kvs)))

	watch := e.client.Watch(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range watch {
		if err := wresp.Err(); err != nil {
			e.logger.Warn("Watch failed", log.Error(err))
			return err
		}
		for _, ev := range wresp.Events {
			switch ev.Type {
			case mvccpb.PUT:
				e.put(sink, string(ev.Kv.Key), ev.Kv.Value)
			case mvccpb.DELETE:
				e.delete(sink, string(ev.Kv.Key))
			}
		}
	}

	e.cleanupAll(sink)
	return ctx.Err()
}

func (e *Etcd) put(sink Sink, key string, value []byte) {
	a, err := decodeAnnouncement(value)
	if err != nil {
		e.logger.Warn("Skipping announcement", log.String("key", key), log.Error(err))
		return
	}

	e.mu.Lock()
	prev, existed := e.known[key]
	e.known[key] = a
	e.mu.Unlock()

	if existed && prev.Key() != a.Key() {
		sink.Cleanup(prev.UUID, prev.Name)
	}
	if err := apply(sink, a); err != nil {
		e.logger.Warn("Registration refused",
			log.String("key", key),
			log.String("app", a.Name),
			log.Error(err))
	}
}

func (e *Etcd) delete(sink Sink, key string) {
	e.mu.Lock()
	a, ok := e.known[key]
	delete(e.known, key)
	e.mu.Unlock()

	if ok {
		sink.Cleanup(a.UUID, a.Name)
	}
}

func (e *Etcd) cleanupAll(sink Sink) {
	e.mu.Lock()
	known := e.known
	e.known = make(map[string]Announcement)
	e.mu.Unlock()

	for _, a := range known {
		sink.Cleanup(a.UUID, a.Name)
	}
}
