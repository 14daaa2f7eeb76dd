package etcd

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/abcdlsj/vhostsync/pkg/service"
	"github.com/abcdlsj/vhostsync/pkg/source"
)

func kv(key, value string) *mvccpb.KeyValue {
	return &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)}
}

func localURL(t *testing.T) url.URL {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return url.URL{Scheme: "http", Host: addr}
}

// startEtcd runs a single member etcd for the test and returns a source
// connected to it
func startEtcd(t *testing.T) *Source {
	t.Helper()

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	clientURL, peerURL := localURL(t), localURL(t)
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		e.Server.Stop()
		t.Fatal("etcd did not become ready")
	}

	port, err := strconv.Atoi(clientURL.Port())
	require.NoError(t, err)

	s, err := New(Config{Host: clientURL.Hostname(), Port: port, Prefix: "/docker", DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *Source, key, value string) int64 {
	t.Helper()
	resp, err := s.client.Put(context.Background(), key, value)
	require.NoError(t, err)
	return resp.Header.Revision
}

func TestKeyLayout(t *testing.T) {
	for _, prefix := range []string{"/docker", "docker", "/docker/"} {
		s := &Source{prefix: normalizePrefix(prefix)}

		assert.Equal(t, "/docker/labels/vhostsync.vhost/", s.labelDir("vhostsync.vhost"))
		assert.Equal(t, "/docker/containers/web1/net/addr/", s.networkDir("web1"))
		assert.Equal(t, "/docker/_updated", s.updateKey())
	}
}

func TestChildren(t *testing.T) {
	dir := "/docker/labels/vhostsync.proxy/"

	got := children(dir, []*mvccpb.KeyValue{
		kv(dir+"web1", "8080"),
		kv(dir+"web2", "80"),
		kv(dir+"web2/nested", "ignored"),
		kv(dir, "ignored"),
	})

	assert.Equal(t, map[string]string{"web1": "8080", "web2": "80"}, got)
}

func TestPin(t *testing.T) {
	s := &Source{}

	s.pin(12)
	s.pin(15)
	assert.Equal(t, int64(12), s.rev, "a pinned snapshot keeps its revision")

	s.BeginSnapshot()
	s.pin(20)
	assert.Equal(t, int64(20), s.rev)

	s.pin(18)
	assert.Equal(t, int64(18), s.rev, "racing first reads keep the lowest revision")
}

func TestLabelAndNetworks(t *testing.T) {
	s := startEtcd(t)
	put(t, s, "/docker/labels/vhostsync.proxy/web1", "8080")
	put(t, s, "/docker/labels/vhostsync.proxy/web2", "80")
	put(t, s, "/docker/containers/web1/net/addr/bridge", "172.17.0.2")
	put(t, s, "/docker/containers/web1/net/addr/frontend", "10.1.0.4")

	ctx := context.Background()

	labels, err := s.Label(ctx, "vhostsync.proxy")
	require.NoError(t, err)
	assert.Equal(t, service.LabelMap{"web1": "8080", "web2": "80"}, labels)

	empty, err := s.Label(ctx, "vhostsync.proxy.default")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	nets, err := s.Networks(ctx, "web1")
	require.NoError(t, err)
	assert.Equal(t, service.Networks{
		"bridge":   {Host: "172.17.0.2"},
		"frontend": {Host: "10.1.0.4"},
	}, nets)
}

// writeAfterFirstRead lands a registrator batch right after the first read
// of a fetch
type writeAfterFirstRead struct {
	*Source
	once  sync.Once
	write func()
}

func (w *writeAfterFirstRead) Label(ctx context.Context, key string) (service.LabelMap, error) {
	m, err := w.Source.Label(ctx, key)
	w.once.Do(w.write)
	return m, err
}

func TestFetch_ChangeDuringFetchWakesWaiter(t *testing.T) {
	s := startEtcd(t)
	keys := source.DefaultLabelKeys()
	src := &writeAfterFirstRead{Source: s, write: func() {
		put(t, s, "/docker/labels/"+keys.Proxy+"/web9", "80")
		put(t, s, "/docker/labels/"+keys.Vhost+"/web9", "nine.example.com")
		put(t, s, "/docker/_updated", "1")
	}}

	snap, err := source.Fetch(context.Background(), src, keys)
	require.NoError(t, err)
	assert.Empty(t, snap.Ports, "reads of one fetch see the same revision")
	assert.Empty(t, snap.Domains)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForUpdate(ctx))

	snap, err = source.Fetch(context.Background(), src, keys)
	require.NoError(t, err)
	assert.Equal(t, service.LabelMap{"web9": "80"}, snap.Ports)
	assert.Equal(t, []string{"nine.example.com"}, snap.Domains["web9"])
}

func TestWaitForUpdate_ChangeBeforeWatch(t *testing.T) {
	s := startEtcd(t)

	_, err := s.Label(context.Background(), "vhostsync.proxy")
	require.NoError(t, err)
	put(t, s, "/docker/_updated", "1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.WaitForUpdate(ctx))
}

func TestWaitForUpdate_IgnoresOtherKeys(t *testing.T) {
	s := startEtcd(t)

	_, err := s.Label(context.Background(), "vhostsync.proxy")
	require.NoError(t, err)
	put(t, s, "/docker/labels/vhostsync.proxy/web1", "80")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitForUpdate(ctx), context.DeadlineExceeded)
}

func TestWaitForUpdate_Compacted(t *testing.T) {
	s := startEtcd(t)

	_, err := s.Label(context.Background(), "vhostsync.proxy")
	require.NoError(t, err)
	put(t, s, "/other/a", "1")
	rev := put(t, s, "/other/a", "2")
	_, err = s.client.Compact(context.Background(), rev)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.WaitForUpdate(ctx), "a compacted start revision forces a refetch")
}

func TestWaitForUpdate_Cancelled(t *testing.T) {
	s := startEtcd(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	assert.ErrorIs(t, s.WaitForUpdate(ctx), context.Canceled)
}
