package docker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdlsj/vhostsync/pkg/service"
)

func TestContainerName(t *testing.T) {
	assert.Equal(t, "web1", containerName([]string{"/web1", "/alias"}, "abc123"))
	assert.Equal(t, "web1", containerName([]string{"web1"}, "abc123"))
	assert.Equal(t, "abc123", containerName(nil, "abc123"))
}

func TestNormalizePort(t *testing.T) {
	tests := map[string]string{
		"8080":      "8080",
		"8080/tcp":  "8080",
		" 443/udp ": "443",
		"":          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePort(in), "input %q", in)
	}
}

func TestNetworksOf(t *testing.T) {
	got := networksOf(map[string]*network.EndpointSettings{
		"bridge":   {IPAddress: "172.17.0.2"},
		"frontend": {IPAddress: "10.1.0.4"},
		"pending":  {},
		"nil":      nil,
	})

	assert.Equal(t, service.Networks{
		"bridge":   {Host: "172.17.0.2"},
		"frontend": {Host: "10.1.0.4"},
	}, got)
}

func TestWaitForUpdate_CoalescesEvents(t *testing.T) {
	s := newSource(context.Background(), "vhostsync.proxy")
	defer s.Close()

	s.notify()
	s.notify()
	s.notify()

	require.NoError(t, s.WaitForUpdate(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitForUpdate(ctx), context.DeadlineExceeded)
}

func TestWaitForUpdate_Closed(t *testing.T) {
	s := newSource(context.Background(), "vhostsync.proxy")
	require.NoError(t, s.Close())

	err := s.WaitForUpdate(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeContainer struct {
	name     string
	labels   map[string]string
	networks map[string]string
}

var apiVersion = regexp.MustCompile(`^/v[0-9.]+`)

// fakeDaemon serves the parts of the Docker API the source uses. Every
// event stream connection receives one container start event.
func fakeDaemon(t *testing.T, containers []fakeContainer) *httptest.Server {
	t.Helper()

	byName := make(map[string]fakeContainer)
	for _, c := range containers {
		byName[c.name] = c
	}

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := apiVersion.ReplaceAllString(r.URL.Path, "")

		switch {
		case path == "/_ping":
			w.Header().Set("Api-Version", "1.47")
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodGet {
				w.Write([]byte("OK"))
			}

		case path == "/containers/json":
			args, err := filters.FromJSON(r.URL.Query().Get("filters"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
				return
			}
			list := []map[string]any{}
			for _, c := range containers {
				matches := true
				for _, label := range args.Get("label") {
					if _, ok := c.labels[label]; !ok {
						matches = false
					}
				}
				if matches {
					list = append(list, map[string]any{
						"Id":     "id-" + c.name,
						"Names":  []string{"/" + c.name},
						"Labels": c.labels,
					})
				}
			}
			writeJSON(w, http.StatusOK, list)

		case strings.HasPrefix(path, "/containers/") && strings.HasSuffix(path, "/json"):
			name := strings.TrimSuffix(strings.TrimPrefix(path, "/containers/"), "/json")
			c, ok := byName[name]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"message": "No such container: " + name})
				return
			}
			nets := map[string]any{}
			for n, ip := range c.networks {
				nets[n] = map[string]string{"IPAddress": ip}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"Id":              "id-" + c.name,
				"Name":            "/" + c.name,
				"NetworkSettings": map[string]any{"Networks": nets},
			})

		case path == "/events":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{
				"Type":   "container",
				"Action": "start",
				"Actor":  map[string]any{"ID": "id-web1"},
				"time":   time.Now().Unix(),
			})
			w.(http.Flusher).Flush()
			<-r.Context().Done()

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSource_DaemonAPI(t *testing.T) {
	srv := fakeDaemon(t, []fakeContainer{
		{
			name:     "web1",
			labels:   map[string]string{"vhostsync.proxy": "8080/tcp", "vhostsync.vhost": "a.example.com"},
			networks: map[string]string{"bridge": "172.17.0.2", "frontend": "10.1.0.4"},
		},
		{
			name:   "db",
			labels: map[string]string{"vhostsync.vhost": "db.example.com"},
		},
	})

	s, err := New(context.Background(), Config{Socket: srv.URL}, "vhostsync.proxy")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()

	ports, err := s.Label(ctx, "vhostsync.proxy")
	require.NoError(t, err)
	assert.Equal(t, service.LabelMap{"web1": "8080"}, ports, "label filter, name trimmed, protocol stripped")

	vhosts, err := s.Label(ctx, "vhostsync.vhost")
	require.NoError(t, err)
	assert.Equal(t, service.LabelMap{"web1": "a.example.com", "db": "db.example.com"}, vhosts)

	none, err := s.Label(ctx, "vhostsync.proxy.default")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	nets, err := s.Networks(ctx, "web1")
	require.NoError(t, err)
	assert.Equal(t, service.Networks{
		"bridge":   {Host: "172.17.0.2"},
		"frontend": {Host: "10.1.0.4"},
	}, nets)

	_, err = s.Networks(ctx, "ghost")
	assert.Error(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, s.WaitForUpdate(wctx), "daemon events wake the waiter")
}

func TestDaemonHost(t *testing.T) {
	assert.Equal(t, "unix:///var/run/docker.sock", daemonHost("/var/run/docker.sock"))
	assert.Equal(t, "tcp://10.0.0.5:2375", daemonHost("tcp://10.0.0.5:2375"))
}
