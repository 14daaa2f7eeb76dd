package etcd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/abcdlsj/vhostsync/pkg/service"
)

// Config holds the connection settings for the etcd source
type Config struct {
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// Source reads container metadata written by a registrator under a prefix:
//
//	<prefix>/labels/<label>/<container>               label value
//	<prefix>/containers/<container>/net/addr/<network> address
//	<prefix>/_updated                                 bumped after every batch
type Source struct {
	client *clientv3.Client
	prefix string

	// Reads of one snapshot are served at rev, the revision of its first
	// read. The next wait watches from rev+1.
	mu     sync.Mutex
	rev    int64
	pinned bool
}

// New connects to etcd
func New(cfg Config) (*Source, error) {
	endpoint := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client for %s: %w", endpoint, err)
	}

	log.Info("Connected to etcd", "endpoint", endpoint, "prefix", cfg.Prefix)
	return &Source{
		client: client,
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

// Close releases the etcd connection
func (s *Source) Close() error {
	return s.client.Close()
}

// BeginSnapshot implements source.Snapshotter. The next read fixes the
// revision every later read is served at.
func (s *Source) BeginSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = false
}

// Label implements source.Source
func (s *Source) Label(ctx context.Context, key string) (service.LabelMap, error) {
	dir := s.labelDir(key)
	resp, err := s.get(ctx, dir)
	if err != nil {
		return nil, err
	}

	labels := make(service.LabelMap, len(resp.Kvs))
	for name, value := range children(dir, resp.Kvs) {
		labels[service.ContainerID(name)] = value
	}
	return labels, nil
}

// Networks implements source.Source
func (s *Source) Networks(ctx context.Context, id service.ContainerID) (service.Networks, error) {
	dir := s.networkDir(id)
	resp, err := s.get(ctx, dir)
	if err != nil {
		return nil, err
	}

	nets := make(service.Networks, len(resp.Kvs))
	for name, addr := range children(dir, resp.Kvs) {
		nets[name] = service.Endpoint{Host: addr}
	}
	return nets, nil
}

// WaitForUpdate watches the update marker from just after the snapshot's
// revision, so a change written during or after the fetch still wakes the
// caller. Reads after it start a new snapshot.
func (s *Source) WaitForUpdate(ctx context.Context) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	rev := s.rev
	s.pinned = false
	s.mu.Unlock()

	var opts []clientv3.OpOption
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}

	key := s.updateKey()
	log.Debug("Waiting for update", "key", key, "revision", rev)
	for wresp := range s.client.Watch(clientv3.WithRequireLeader(wctx), key, opts...) {
		if wresp.CompactRevision != 0 {
			log.Warn("Watch revision compacted, refetching", "revision", rev, "compacted", wresp.CompactRevision)
			return nil
		}
		if err := wresp.Err(); err != nil {
			return fmt.Errorf("watch %s: %w", key, err)
		}
		if len(wresp.Events) > 0 {
			return nil
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("watch channel closed")
}

// get reads everything under dir at the snapshot revision, pinning it on
// the first read
func (s *Source) get(ctx context.Context, dir string) (*clientv3.GetResponse, error) {
	s.mu.Lock()
	rev, pinned := s.rev, s.pinned
	s.mu.Unlock()

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if pinned {
		opts = append(opts, clientv3.WithRev(rev))
	}
	resp, err := s.client.Get(ctx, dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", dir, err)
	}
	if !pinned {
		s.pin(resp.Header.Revision)
	}
	return resp, nil
}

// pin fixes the snapshot revision. Unpinned reads racing each other keep the
// lowest revision, so the watch never starts past a change they missed.
func (s *Source) pin(rev int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pinned || rev < s.rev {
		s.rev = rev
		s.pinned = true
	}
}

func normalizePrefix(prefix string) string {
	return "/" + strings.Trim(prefix, "/")
}

func (s *Source) labelDir(label string) string {
	return path.Join(s.prefix, "labels", label) + "/"
}

func (s *Source) networkDir(id service.ContainerID) string {
	return path.Join(s.prefix, "containers", string(id), "net", "addr") + "/"
}

func (s *Source) updateKey() string {
	return path.Join(s.prefix, "_updated")
}

// children maps the direct children of dir to their values. Deeper keys are
// ignored.
func children(dir string, kvs []*mvccpb.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		name := strings.TrimPrefix(string(kv.Key), dir)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		out[name] = string(kv.Value)
	}
	return out
}
