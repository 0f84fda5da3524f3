package discovery

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultEtcdPrefix   = "/atomix/members"
	defaultLeaseTTL     = 10
	defaultEtcdDialTime = 5 * time.Second
)

type EtcdConfig struct {
	// Endpoints is the list of etcd servers to connect to.
	Endpoints []string

	// Prefix is the key prefix under which members are registered.
	Prefix string

	// LeaseTTL is the registration lease TTL in seconds. A member that stops
	// refreshing its lease disappears from the view after at most this long.
	LeaseTTL int64

	DialTimeout time.Duration
	Logger      log.Logger
}

// Etcd is a Provider backed by an etcd prefix. Each member registers itself
// under a leased key; a watch on the prefix translates key changes into
// Join/Leave events.
type Etcd struct {
	client *clientv3.Client
	prefix string
	ttl    int64
	logger log.Logger

	mut       sync.RWMutex
	nodes     map[string]Node
	nextID    ListenerID
	listeners map[ListenerID]func(Event)

	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Provider = (*Etcd)(nil)

func NewEtcd(conf EtcdConfig) (*Etcd, error) {
	if conf.Prefix == "" {
		conf.Prefix = defaultEtcdPrefix
	}

	if conf.LeaseTTL == 0 {
		conf.LeaseTTL = defaultLeaseTTL
	}

	if conf.DialTimeout == 0 {
		conf.DialTimeout = defaultEtcdDialTime
	}

	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}

	return &Etcd{
		client:    client,
		prefix:    conf.Prefix,
		ttl:       conf.LeaseTTL,
		logger:    conf.Logger,
		nodes:     make(map[string]Node),
		listeners: make(map[ListenerID]func(Event)),
	}, nil
}

// Register announces the given node under a leased key and keeps the lease
// alive until Close is called.
func (e *Etcd) Register(ctx context.Context, node Node) error {
	lease, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	key := path.Join(e.prefix, node.ID)

	if _, err := e.client.Put(ctx, key, node.Addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())

	ch, err := e.client.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keep lease alive: %w", err)
	}

	e.mut.Lock()
	e.leaseID = lease.ID
	e.mut.Unlock()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer cancel()

		for resp := range ch {
			_ = resp
		}

		level.Warn(e.logger).Log("msg", "etcd lease keepalive channel closed", "node", node.ID)
	}()

	return nil
}

// Start loads the current registrations and starts watching for changes.
func (e *Etcd) Start(ctx context.Context) error {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	e.mut.Lock()
	for _, kv := range resp.Kvs {
		node := e.nodeFromKV(string(kv.Key), string(kv.Value))
		e.nodes[node.ID] = node
	}
	e.mut.Unlock()

	watchCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	watch := e.client.Watch(
		watchCtx,
		e.prefix,
		clientv3.WithPrefix(),
		clientv3.WithRev(resp.Header.Revision+1),
	)

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		e.watchLoop(watch)
	}()

	return nil
}

func (e *Etcd) watchLoop(watch clientv3.WatchChan) {
	for wresp := range watch {
		if err := wresp.Err(); err != nil {
			level.Error(e.logger).Log("msg", "etcd watch error", "err", err)
			continue
		}

		for _, ev := range wresp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				node := e.nodeFromKV(string(ev.Kv.Key), string(ev.Kv.Value))
				e.addNode(node)
			case clientv3.EventTypeDelete:
				e.removeNode(string(ev.Kv.Key))
			}
		}
	}
}

func (e *Etcd) nodeFromKV(key, value string) Node {
	id := strings.TrimPrefix(strings.TrimPrefix(key, e.prefix), "/")
	return Node{ID: id, Addr: value}
}

func (e *Etcd) addNode(node Node) {
	e.mut.Lock()

	if known, ok := e.nodes[node.ID]; ok && known == node {
		e.mut.Unlock()
		return
	}

	e.nodes[node.ID] = node
	listeners := e.listenerList()
	e.mut.Unlock()

	level.Debug(e.logger).Log("msg", "node discovered", "node", node.ID, "addr", node.Addr)

	for _, fn := range listeners {
		fn(Event{Type: Join, Node: node})
	}
}

func (e *Etcd) removeNode(key string) {
	e.mut.Lock()

	id := strings.TrimPrefix(strings.TrimPrefix(key, e.prefix), "/")

	node, ok := e.nodes[id]
	if !ok {
		e.mut.Unlock()
		return
	}

	delete(e.nodes, id)
	listeners := e.listenerList()
	e.mut.Unlock()

	level.Debug(e.logger).Log("msg", "node gone", "node", id)

	for _, fn := range listeners {
		fn(Event{Type: Leave, Node: node})
	}
}

func (e *Etcd) Nodes() []Node {
	e.mut.RLock()
	defer e.mut.RUnlock()

	nodes := make([]Node, 0, len(e.nodes))
	for _, n := range e.nodes {
		nodes = append(nodes, n)
	}

	return nodes
}

func (e *Etcd) AddListener(fn func(Event)) ListenerID {
	e.mut.Lock()
	defer e.mut.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners[id] = fn

	return id
}

func (e *Etcd) RemoveListener(id ListenerID) {
	e.mut.Lock()
	defer e.mut.Unlock()

	delete(e.listeners, id)
}

func (e *Etcd) listenerList() []func(Event) {
	listeners := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}

	return listeners
}

// Close revokes the registration lease and stops the watch. The member's key
// disappears immediately, so peers observe the departure without waiting for
// the lease to expire.
func (e *Etcd) Close() error {
	if e.cancel != nil {
		e.cancel()
	}

	e.mut.RLock()
	leaseID := e.leaseID
	e.mut.RUnlock()

	if leaseID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), defaultEtcdDialTime)
		defer cancel()

		if _, err := e.client.Revoke(ctx, leaseID); err != nil {
			level.Warn(e.logger).Log("msg", "failed to revoke lease", "err", err)
		}
	}

	err := e.client.Close()

	e.wg.Wait()

	return err
}
