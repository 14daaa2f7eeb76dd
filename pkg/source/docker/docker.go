package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/abcdlsj/vhostsync/pkg/service"
)

const reconnectDelay = 5 * time.Second

// Config holds the settings for the docker source
type Config struct {
	// Socket is a unix socket path or a daemon URL such as tcp://host:2375
	Socket string `mapstructure:"socket" yaml:"socket"`
}

// Source reads container labels straight from the Docker daemon and wakes
// waiters on container and network events
type Source struct {
	client    *client.Client
	portLabel string

	ctx    context.Context
	cancel context.CancelFunc

	updates chan struct{}
}

// New connects to the Docker daemon and starts monitoring events. Values of
// portLabel may carry a protocol suffix ("8080/tcp"), which is stripped.
func New(ctx context.Context, cfg Config, portLabel string) (*Source, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Socket != "" {
		opts = append(opts, client.WithHost(daemonHost(cfg.Socket)))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	s := newSource(ctx, portLabel)
	s.client = cli
	go s.monitorEvents()

	log.Info("Docker source started")
	return s, nil
}

func newSource(ctx context.Context, portLabel string) *Source {
	sctx, cancel := context.WithCancel(ctx)
	return &Source{
		portLabel: portLabel,
		ctx:       sctx,
		cancel:    cancel,
		updates:   make(chan struct{}, 1),
	}
}

// Close stops the event monitor and releases the client
func (s *Source) Close() error {
	s.cancel()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Label implements source.Source
func (s *Source) Label(ctx context.Context, key string) (service.LabelMap, error) {
	containers, err := s.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	labels := make(service.LabelMap, len(containers))
	for _, c := range containers {
		name := containerName(c.Names, c.ID)
		value := c.Labels[key]
		if key == s.portLabel {
			value = normalizePort(value)
		}
		labels[service.ContainerID(name)] = value
	}
	return labels, nil
}

// Networks implements source.Source
func (s *Source) Networks(ctx context.Context, id service.ContainerID) (service.Networks, error) {
	inspect, err := s.client.ContainerInspect(ctx, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	if inspect.NetworkSettings == nil {
		return service.Networks{}, nil
	}
	return networksOf(inspect.NetworkSettings.Networks), nil
}

// WaitForUpdate implements source.Source
func (s *Source) WaitForUpdate(ctx context.Context) error {
	select {
	case <-s.updates:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("docker source closed: %w", s.ctx.Err())
	}
}

// notify records a pending update; several events before the next wait
// collapse into one
func (s *Source) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// monitorEvents follows the Docker event stream, reconnecting on errors
func (s *Source) monitorEvents() {
	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))
	f.Add("type", string(events.NetworkEventType))
	for _, action := range []events.Action{
		events.ActionStart,
		events.ActionDie,
		events.ActionStop,
		events.ActionRename,
		events.ActionConnect,
		events.ActionDisconnect,
	} {
		f.Add("event", string(action))
	}

	for {
		eventChan, errChan := s.client.Events(s.ctx, events.ListOptions{
			Filters: f,
		})

		func() {
			for {
				select {
				case event := <-eventChan:
					log.Debug("Docker event", "type", event.Type, "action", event.Action, "actor", event.Actor.ID)
					s.notify()

				case err := <-errChan:
					if err != nil && s.ctx.Err() == nil {
						log.Error("Docker event stream error", "error", err)
					}
					return

				case <-s.ctx.Done():
					return
				}
			}
		}()

		if s.ctx.Err() != nil {
			return
		}

		log.Warn("Docker event stream disconnected, reconnecting", "delay", reconnectDelay)
		select {
		case <-time.After(reconnectDelay):
		case <-s.ctx.Done():
			return
		}
		// events may have been missed while disconnected
		s.notify()
	}
}

func daemonHost(socket string) string {
	if strings.Contains(socket, "://") {
		return socket
	}
	return "unix://" + socket
}

// containerName returns the primary name without its leading slash
func containerName(names []string, id string) string {
	if len(names) == 0 {
		return id
	}
	return strings.TrimPrefix(names[0], "/")
}

// normalizePort strips a protocol suffix such as "/tcp"
func normalizePort(v string) string {
	return nat.Port(strings.TrimSpace(v)).Port()
}

func networksOf(settings map[string]*network.EndpointSettings) service.Networks {
	nets := make(service.Networks, len(settings))
	for name, ep := range settings {
		if ep == nil || ep.IPAddress == "" {
			continue
		}
		nets[name] = service.Endpoint{Host: ep.IPAddress}
	}
	return nets
}
